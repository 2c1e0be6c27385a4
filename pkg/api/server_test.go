package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/config"
	"github.com/enclagent/gateway/pkg/database"
	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/policy"
	"github.com/enclagent/gateway/pkg/provision"
	"github.com/enclagent/gateway/pkg/services"
)

// stubHandler is a provisioner that returns a canned result.
type stubHandler struct {
	result *provision.Result
	err    error
}

func (h *stubHandler) Provision(ctx context.Context, req provision.Request) (*provision.Result, error) {
	if h.err != nil {
		return nil, h.err
	}
	res := *h.result
	return &res, nil
}

type gatewayFixture struct {
	server   *Server
	cfg      *config.Config
	sessions *services.SessionService
	bus      *events.Bus
	stub     *stubHandler
}

func testConfig() *config.Config {
	return &config.Config{
		Addr:                               ":0",
		FrontdoorEnabled:                   true,
		ProvisioningBackend:                models.ProvisioningCommand,
		ProvisioningCommand:                "/bin/true",
		ProvisioningTimeout:                5 * time.Second,
		SessionTTL:                         24 * time.Hour,
		ChallengeTTL:                       10 * time.Minute,
		ExpirySweepInterval:                5 * time.Second,
		SSEQueueCapacity:                   32,
		PollInterval:                       4 * time.Second,
		VerificationDefaultBackend:         models.VerificationEigencloudPrimary,
		VerificationDefaultFallbackEnabled: true,
		ChallengeRatePerMinute:             100,
		MaxConcurrentProvisions:            2,
		RetentionDays:                      7,
	}
}

// newGateway assembles a full server over a temp database with a stub
// provisioner. opts mutate the config before wiring.
func newGateway(t *testing.T, opts ...func(*config.Config)) *gatewayFixture {
	t.Helper()

	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	client := database.NewTestClient(t)
	bus := events.NewBus(cfg.SSEQueueCapacity)
	t.Cleanup(bus.Shutdown)
	publisher := events.NewPublisher(bus)

	sessions := services.NewSessionService(client.DB(), services.SessionDefaults{
		ChallengeTTL:                cfg.ChallengeTTL,
		SessionTTL:                  cfg.SessionTTL,
		VerificationBackend:         cfg.VerificationDefaultBackend,
		VerificationFallbackEnabled: cfg.VerificationDefaultFallbackEnabled,
		ProvisioningSource:          cfg.ProvisioningBackend,
	})
	timeline := services.NewTimelineService(client.DB())
	onboarding := services.NewOnboardingService(client.DB(), sessions, timeline, publisher)
	control := services.NewControlService(sessions, timeline, publisher)

	stub := &stubHandler{result: &provision.Result{
		InstanceURL:          "https://runtime.example/i/1",
		EigenAppID:           "eigen-app-1",
		LaunchedOnEigencloud: true,
		DedicatedInstance:    true,
	}}
	dispatcher := provision.NewDispatcher(stub, cfg.MaxConcurrentProvisions, cfg.ProvisioningTimeout)
	t.Cleanup(dispatcher.Stop)

	launch := services.NewLaunchService(sessions, timeline, onboarding, publisher, dispatcher, services.LaunchSettings{
		RequirePrivy:       cfg.RequirePrivy,
		DefaultInstanceURL: cfg.DefaultInstanceURL,
	})

	library, err := policy.NewLibrary(cfg.TemplatesPath)
	require.NoError(t, err)

	connManager := events.NewConnectionManager(bus, time.Second)

	server := NewServer(cfg, client, sessions, timeline, onboarding, control, launch, library, bus, connManager)
	server.SetDispatcher(dispatcher)

	return &gatewayFixture{
		server:   server,
		cfg:      cfg,
		sessions: sessions,
		bus:      bus,
		stub:     stub,
	}
}

// doJSON routes one request through the full middleware chain.
func (g *gatewayFixture) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// challengeFor issues a challenge for the signer's wallet and returns the
// session id and message to sign.
func (g *gatewayFixture) challengeFor(t *testing.T, s *signer) (sessionID, message string) {
	t.Helper()

	rec := g.doJSON(t, http.MethodPost, "/challenge", ChallengeRequest{WalletAddress: s.addr})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.SessionID, resp.Message
}

// waitForStatus polls the store until the session reaches want.
func (g *gatewayFixture) waitForStatus(t *testing.T, sessionID string, want models.SessionStatus) *models.Session {
	t.Helper()

	var sess *models.Session
	require.Eventually(t, func() bool {
		var err error
		sess, err = g.sessions.Get(context.Background(), sessionID)
		return err == nil && sess.Status == want
	}, 5*time.Second, 10*time.Millisecond, "session never reached %s", want)
	return sess
}

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

func (s *signer) sign(t *testing.T, msg string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), s.key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func validConfig() *models.PolicyConfig {
	return &models.PolicyConfig{
		ProfileName:                     "momentum-alpha",
		Objective:                       "run a conservative momentum strategy on majors",
		AcceptTerms:                     true,
		GatewayAuthKey:                  "0123456789abcdef0123456789abcdef",
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

// verifyToReady walks a session through challenge, signature and verify,
// then waits for the stub provisioner to finish.
func (g *gatewayFixture) verifyToReady(t *testing.T, s *signer) string {
	t.Helper()

	sessionID, message := g.challengeFor(t, s)
	rec := g.doJSON(t, http.MethodPost, "/verify", VerifyRequest{
		SessionID: sessionID,
		Signature: s.sign(t, message),
		Config:    validConfig(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	g.waitForStatus(t, sessionID, models.StatusReady)
	return sessionID
}

func TestRouteNotFound(t *testing.T) {
	g := newGateway(t)

	rec := g.doJSON(t, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecurityHeadersApplied(t *testing.T) {
	g := newGateway(t)

	rec := g.doJSON(t, http.MethodGet, "/health", nil)
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	require.NotEmpty(t, rec.Header().Get("Permissions-Policy"))
}
