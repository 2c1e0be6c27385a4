package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ChainAny is the Chain line value when no chain id was requested.
const ChainAny = "any"

// NewNonce returns a fresh 32-hex-char challenge nonce.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ChainLabel renders the Chain line value: the decimal chain id, or "any"
// when the client did not pin one.
func ChainLabel(chainID *int64) string {
	if chainID == nil {
		return ChainAny
	}
	return strconv.FormatInt(*chainID, 10)
}

// BuildChallengeMessage renders the exact authorization message a wallet
// signs. Every line is "\n"-terminated; the bytes are immutable once stored
// on the session, and verification compares against them byte-exact.
func BuildChallengeMessage(sessionID, walletAddress, chain, nonce string, issued, expires time.Time) string {
	return fmt.Sprintf(
		"Enclagent Gateway Authorization\n"+
			"Session: %s\n"+
			"Wallet: %s\n"+
			"Chain: %s\n"+
			"Nonce: %s\n"+
			"Issued: %s\n"+
			"Expires: %s\n",
		sessionID,
		walletAddress,
		chain,
		nonce,
		issued.UTC().Format(time.RFC3339),
		expires.UTC().Format(time.RFC3339),
	)
}
