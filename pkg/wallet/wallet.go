// Package wallet provides wallet address normalization and EIP-191
// personal_sign signature verification for challenge authorization.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verification errors. Callers map these onto the wire taxonomy.
var (
	// ErrInvalidAddress means the address is not 0x followed by 40 hex chars.
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrMalformedSignature means the signature is not 65 hex-decodable bytes
	// with a recoverable V byte.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrMessageMismatch means the client-echoed message does not match the
	// session's stored challenge byte-exact.
	ErrMessageMismatch = errors.New("message mismatch")
	// ErrWalletMismatch means signature recovery yielded a different address.
	ErrWalletMismatch = errors.New("wallet mismatch")
)

// NormalizeAddress lowercases and validates a 0x+40hex wallet address.
func NormalizeAddress(addr string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(addr))
	if len(a) != 42 || !strings.HasPrefix(a, "0x") {
		return "", ErrInvalidAddress
	}
	if _, err := hex.DecodeString(a[2:]); err != nil {
		return "", ErrInvalidAddress
	}
	return a, nil
}

// NormalizeClientMessage converts the message as echoed by a client into the
// raw bytes that were signed. Browsers submit either the utf-8 text or its
// hex encoding (with or without 0x); both are accepted.
func NormalizeClientMessage(raw string) []byte {
	trimmed := strings.TrimPrefix(raw, "0x")
	if len(trimmed) > 0 && len(trimmed)%2 == 0 {
		if decoded, err := hex.DecodeString(trimmed); err == nil && (strings.HasPrefix(raw, "0x") || !isPrintable(raw)) {
			return decoded
		}
	}
	return []byte(raw)
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// VerifyPersonalSign checks that signatureHex is a valid EIP-191
// personal_sign signature over message, recovering to expectedAddr.
// Both 27/28 and 0/1 recovery identifiers are accepted.
func VerifyPersonalSign(message []byte, signatureHex, expectedAddr string) error {
	normalized, err := NormalizeAddress(expectedAddr)
	if err != nil {
		return err
	}

	sigHex := strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return ErrMalformedSignature
	}

	// Work on a copy: the caller's signature bytes are never mutated or logged.
	rsv := make([]byte, crypto.SignatureLength)
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}
	if rsv[64] > 1 {
		return ErrMalformedSignature
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), rsv)
	if err != nil {
		// Well-formed bytes that fail recovery count as a recovery
		// discrepancy, not a malformed input.
		return ErrWalletMismatch
	}

	recovered := strings.ToLower(crypto.PubkeyToAddress(*pub).Hex())
	if recovered != normalized {
		return ErrWalletMismatch
	}
	return nil
}

// VerifyChallenge is the full verifier contract: the client-echoed message
// (when present) must match the stored challenge byte-exact, and the
// signature must recover to the expected wallet over the stored challenge.
func VerifyChallenge(challenge, clientMessage, signatureHex, expectedAddr string) error {
	if clientMessage != "" {
		if string(NormalizeClientMessage(clientMessage)) != challenge {
			return fmt.Errorf("%w: echoed message differs from stored challenge", ErrMessageMismatch)
		}
	}
	return VerifyPersonalSign([]byte(challenge), signatureHex, expectedAddr)
}
