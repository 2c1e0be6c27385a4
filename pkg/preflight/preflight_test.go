package preflight

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/models"
)

type stubProber struct {
	latency time.Duration
	err     error
}

func (s *stubProber) Probe(context.Context) (time.Duration, error) {
	return s.latency, s.err
}

func validSession() *models.Session {
	return &models.Session{
		SessionID:     "7a9e1f7c-1111-4d3a-9f00-000000000001",
		WalletAddress: "0x8ba1f109551bd432803012645ac136ddd64dba72",
		Status:        models.StatusPendingSignature,
	}
}

func liveConfig() *models.PolicyConfig {
	return &models.PolicyConfig{
		ProfileName:            "momentum-live",
		CustodyMode:            models.CustodyOperatorWallet,
		OperatorWalletAddress:  "0x52908400098527886e0f7030069857d2e4169ee7",
		PaperLivePolicy:        models.PaperLivePolicyLive,
		SymbolAllowlist:        []string{"ETH-USD", "BTC-USD"},
		MaxLeverage:            2,
		LeverageCap:            5,
		MaxAllocationUSD:       10000,
		PerTradeNotionalCapUSD: 500,
		MaxSlippageBps:         50,
		MaxRetries:             2,
		VerificationBackend:    models.VerificationEigencloudPrimary,
	}
}

func checkByID(t *testing.T, out Outcome, id string) models.PreflightCheck {
	t.Helper()
	for _, c := range out.Checks {
		if c.CheckID == id {
			return c
		}
	}
	t.Fatalf("check %s not found in %+v", id, out.Checks)
	return models.PreflightCheck{}
}

func TestRunAllPass(t *testing.T) {
	out := Run(context.Background(), Input{
		Session:              validSession(),
		Config:               liveConfig(),
		IdentityTokenPresent: true,
		RequirePrivy:         true,
		Prober:               &stubProber{latency: 42 * time.Millisecond},
	})

	assert.Equal(t, models.PreflightPassed, out.Status)
	assert.Empty(t, out.FailureCategory)
	assert.Equal(t, 42*time.Millisecond, out.Latency)
	require.Len(t, out.Checks, 6)

	wantOrder := []string{
		CheckWalletBinding,
		CheckIdentityTokenPresent,
		CheckPolicySelfConsistent,
		CheckGasReserveEstimate,
		CheckFeeBudgetReserve,
		CheckBackendReachable,
	}
	for i, id := range wantOrder {
		assert.Equal(t, id, out.Checks[i].CheckID)
		assert.Equal(t, models.CheckPassed, out.Checks[i].Status, "check %s", id)
	}
}

func TestWalletBinding(t *testing.T) {
	t.Run("malformed session wallet fails", func(t *testing.T) {
		sess := validSession()
		sess.WalletAddress = "not-an-address"
		out := Run(context.Background(), Input{Session: sess, Config: liveConfig()})
		assert.Equal(t, models.PreflightFailed, out.Status)
		assert.Equal(t, CheckWalletBinding, out.FailureCategory)
	})

	t.Run("user custody requires matching wallet", func(t *testing.T) {
		cfg := liveConfig()
		cfg.CustodyMode = models.CustodyUserWallet
		cfg.UserWalletAddress = "0x52908400098527886e0f7030069857d2e4169ee7"
		out := Run(context.Background(), Input{Session: validSession(), Config: cfg})
		c := checkByID(t, out, CheckWalletBinding)
		assert.Equal(t, models.CheckFailed, c.Status)
		assert.Contains(t, c.Detail, "user_wallet_address")
	})

	t.Run("dual mode requires operator wallet", func(t *testing.T) {
		sess := validSession()
		cfg := liveConfig()
		cfg.CustodyMode = models.CustodyDualMode
		cfg.UserWalletAddress = sess.WalletAddress
		cfg.OperatorWalletAddress = ""
		out := Run(context.Background(), Input{Session: sess, Config: cfg})
		c := checkByID(t, out, CheckWalletBinding)
		assert.Equal(t, models.CheckFailed, c.Status)
		assert.Contains(t, c.Detail, "operator_wallet_address")
	})
}

func TestIdentityTokenCheck(t *testing.T) {
	t.Run("skipped when privy not required", func(t *testing.T) {
		out := Run(context.Background(), Input{Session: validSession(), Config: liveConfig()})
		c := checkByID(t, out, CheckIdentityTokenPresent)
		assert.Equal(t, models.CheckSkipped, c.Status)
	})

	t.Run("fails when required but absent", func(t *testing.T) {
		out := Run(context.Background(), Input{
			Session:      validSession(),
			Config:       liveConfig(),
			RequirePrivy: true,
		})
		c := checkByID(t, out, CheckIdentityTokenPresent)
		assert.Equal(t, models.CheckFailed, c.Status)
		assert.Equal(t, CheckIdentityTokenPresent, out.FailureCategory)
	})
}

func TestPolicySelfConsistency(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.PolicyConfig)
		detail string
	}{
		{
			name:   "leverage above cap",
			mutate: func(c *models.PolicyConfig) { c.MaxLeverage = 10 },
			detail: "max_leverage",
		},
		{
			name:   "per-trade cap above allocation",
			mutate: func(c *models.PolicyConfig) { c.PerTradeNotionalCapUSD = 20000 },
			detail: "per_trade_notional_cap_usd",
		},
		{
			name: "allowlist and denylist overlap",
			mutate: func(c *models.PolicyConfig) {
				c.SymbolDenylist = []string{"ETH-USD"}
			},
			detail: "ETH-USD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := liveConfig()
			tt.mutate(cfg)
			out := Run(context.Background(), Input{Session: validSession(), Config: cfg})
			c := checkByID(t, out, CheckPolicySelfConsistent)
			assert.Equal(t, models.CheckFailed, c.Status)
			assert.Contains(t, c.Detail, tt.detail)
			assert.Equal(t, CheckPolicySelfConsistent, out.FailureCategory)
		})
	}
}

func TestGasReserve(t *testing.T) {
	t.Run("skipped for paper execution", func(t *testing.T) {
		cfg := liveConfig()
		cfg.PaperLivePolicy = models.PaperLivePolicyPaper
		out := Run(context.Background(), Input{Session: validSession(), Config: cfg})
		c := checkByID(t, out, CheckGasReserveEstimate)
		assert.Equal(t, models.CheckSkipped, c.Status)
	})

	t.Run("fails when per-trade cap leaves no headroom", func(t *testing.T) {
		cfg := liveConfig()
		cfg.MaxAllocationUSD = 1000
		cfg.PerTradeNotionalCapUSD = 995
		out := Run(context.Background(), Input{Session: validSession(), Config: cfg})
		c := checkByID(t, out, CheckGasReserveEstimate)
		assert.Equal(t, models.CheckFailed, c.Status)
		assert.Equal(t, CheckGasReserveEstimate, out.FailureCategory)
	})

	t.Run("reserve never drops below the floor", func(t *testing.T) {
		// 0.5% of 400 is 2 USD; the 10 USD floor must apply.
		cfg := liveConfig()
		cfg.MaxAllocationUSD = 400
		cfg.PerTradeNotionalCapUSD = 395
		out := Run(context.Background(), Input{Session: validSession(), Config: cfg})
		c := checkByID(t, out, CheckGasReserveEstimate)
		assert.Equal(t, models.CheckFailed, c.Status)
		assert.Contains(t, c.Detail, "10.00")
	})
}

func TestFeeBudget(t *testing.T) {
	t.Run("skipped for paper execution", func(t *testing.T) {
		cfg := liveConfig()
		cfg.PaperLivePolicy = models.PaperLivePolicyPaper
		out := Run(context.Background(), Input{Session: validSession(), Config: cfg})
		c := checkByID(t, out, CheckFeeBudgetReserve)
		assert.Equal(t, models.CheckSkipped, c.Status)
	})

	t.Run("fails when retries multiply slippage past the cap", func(t *testing.T) {
		// 5000 * 0.02 * 5 = 500 > 2% of 10000 = 200.
		cfg := liveConfig()
		cfg.PerTradeNotionalCapUSD = 5000
		cfg.MaxSlippageBps = 200
		cfg.MaxRetries = 4
		out := Run(context.Background(), Input{Session: validSession(), Config: cfg})
		c := checkByID(t, out, CheckFeeBudgetReserve)
		assert.Equal(t, models.CheckFailed, c.Status)
		assert.Equal(t, CheckFeeBudgetReserve, out.FailureCategory)
	})
}

func TestBackendReachable(t *testing.T) {
	t.Run("skipped for fallback-only policies", func(t *testing.T) {
		cfg := liveConfig()
		cfg.VerificationBackend = models.VerificationFallbackOnly
		out := Run(context.Background(), Input{
			Session: validSession(),
			Config:  cfg,
			Prober:  &stubProber{err: errors.New("should not be called")},
		})
		c := checkByID(t, out, CheckBackendReachable)
		assert.Equal(t, models.CheckSkipped, c.Status)
		assert.Equal(t, models.PreflightPassed, out.Status)
	})

	t.Run("skipped when no probe endpoint configured", func(t *testing.T) {
		out := Run(context.Background(), Input{Session: validSession(), Config: liveConfig()})
		c := checkByID(t, out, CheckBackendReachable)
		assert.Equal(t, models.CheckSkipped, c.Status)
	})

	t.Run("fails when the probe errors", func(t *testing.T) {
		out := Run(context.Background(), Input{
			Session: validSession(),
			Config:  liveConfig(),
			Prober:  &stubProber{latency: 5 * time.Millisecond, err: errors.New("connection refused")},
		})
		c := checkByID(t, out, CheckBackendReachable)
		assert.Equal(t, models.CheckFailed, c.Status)
		assert.Contains(t, c.Detail, "connection refused")
		assert.Equal(t, 5*time.Millisecond, out.Latency)
	})
}

func TestFirstFailureWins(t *testing.T) {
	sess := validSession()
	sess.WalletAddress = "nope"
	cfg := liveConfig()
	cfg.MaxLeverage = 100

	out := Run(context.Background(), Input{Session: sess, Config: cfg, RequirePrivy: true})

	assert.Equal(t, models.PreflightFailed, out.Status)
	assert.Equal(t, CheckWalletBinding, out.FailureCategory)
	// Later checks still execute and record their own outcomes.
	require.Len(t, out.Checks, 6)
	assert.Equal(t, models.CheckFailed, checkByID(t, out, CheckPolicySelfConsistent).Status)
}

func TestHTTPProber(t *testing.T) {
	t.Run("healthy endpoint passes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		latency, err := NewHTTPProber(srv.URL, time.Second).Probe(context.Background())
		require.NoError(t, err)
		assert.Greater(t, latency, time.Duration(0))
	})

	t.Run("server errors are unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := NewHTTPProber(srv.URL, time.Second).Probe(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}
