package e2e

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// CreateChallenge posts /challenge for a wallet and returns the parsed body.
func (app *TestApp) CreateChallenge(t *testing.T, walletAddress string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/challenge", map[string]any{
		"wallet_address": walletAddress,
	}, http.StatusOK)
}

// Verify posts /verify and asserts the response status.
func (app *TestApp) Verify(t *testing.T, body map[string]any, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, "/verify", body, expectedStatus)
}

// GetSession retrieves a session snapshot.
func (app *TestApp) GetSession(t *testing.T, sessionID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/session/"+sessionID, http.StatusOK)
}

// GetTimeline returns the session's ordered timeline events.
func (app *TestApp) GetTimeline(t *testing.T, sessionID string) []any {
	t.Helper()
	body := app.getJSON(t, "/session/"+sessionID+"/timeline", http.StatusOK)
	events, ok := body["events"].([]any)
	require.True(t, ok, "timeline response missing events: %v", body)
	return events
}

// RuntimeControl posts a control action and asserts the response status.
func (app *TestApp) RuntimeControl(t *testing.T, sessionID, action string, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, "/session/"+sessionID+"/runtime-control", map[string]any{
		"action": action,
	}, expectedStatus)
}

// OnboardingChat posts one conversation turn and asserts the response status.
func (app *TestApp) OnboardingChat(t *testing.T, sessionID, message string, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, "/onboarding/chat", map[string]any{
		"session_id": sessionID,
		"message":    message,
	}, expectedStatus)
}

// OnboardingState fetches the conversation snapshot.
func (app *TestApp) OnboardingState(t *testing.T, sessionID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/onboarding/state?session_id="+sessionID, http.StatusOK)
}

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status: %s", path, raw)

	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result), "POST %s: body %s", path, raw)
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status: %s", path, raw)

	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result), "GET %s: body %s", path, raw)
	return result
}

// ────────────────────────────────────────────────────────────
// Wallet signing helpers
// ────────────────────────────────────────────────────────────

type signer struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &signer{
		key:  key,
		addr: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

// sign produces the EIP-191 personal_sign signature wallets emit: the
// recovery id is offset by 27 and the result is 0x-hex.
func (s *signer) sign(t *testing.T, msg string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), s.key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

// launchConfig is a policy config that passes validation for any session
// wallet (operator custody does not bind the user wallet).
func launchConfig() *models.PolicyConfig {
	return &models.PolicyConfig{
		ProfileName:                     "alpha_v1",
		Objective:                       "launch momentum strategy",
		AcceptTerms:                     true,
		GatewayAuthKey:                  "k0123456789abcdef0123456789abcdef",
		CustodyMode:                     models.CustodyOperatorWallet,
		OperatorWalletAddress:           "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
		PaperLivePolicy:                 models.PaperLivePolicyPaper,
		InformationSharingScope:         models.SharingScopePrivate,
		SymbolAllowlist:                 []string{"ETH-USD", "BTC-USD"},
		RequestTimeoutMS:                5000,
		MaxRetries:                      2,
		RetryBackoffMS:                  500,
		MaxPositionSizeUSD:              25000,
		LeverageCap:                     5,
		MaxLeverage:                     3,
		MaxAllocationUSD:                100000,
		PerTradeNotionalCapUSD:          5000,
		MaxSlippageBps:                  50,
		VerificationBackend:             models.VerificationEigencloudPrimary,
		VerificationFallbackEnabled:     true,
		VerificationEigencloudTimeoutMS: 8000,
	}
}

// verifyBody builds the /verify request for a signed challenge.
func verifyBody(t *testing.T, sessionID, signature string, cfg *models.PolicyConfig) map[string]any {
	t.Helper()

	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	var cfgMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &cfgMap))

	return map[string]any{
		"session_id": sessionID,
		"signature":  signature,
		"config":     cfgMap,
	}
}

// eventTypes projects the timeline into its event_type sequence.
func eventTypes(events []any) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		entry, ok := ev.(map[string]any)
		if !ok {
			continue
		}
		if typ, ok := entry["event_type"].(string); ok {
			types = append(types, typ)
		}
	}
	return types
}

// containsInOrder reports whether want appears in got as a subsequence.
func containsInOrder(got, want []string) bool {
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	return i == len(want)
}
