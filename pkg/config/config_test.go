package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "gateway.db", cfg.DatabasePath)
	assert.True(t, cfg.FrontdoorEnabled)
	assert.False(t, cfg.RequirePrivy)
	assert.Equal(t, models.ProvisioningUnconfigured, cfg.ProvisioningBackend)
	assert.Equal(t, 180*time.Second, cfg.ProvisioningTimeout)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, 5*time.Second, cfg.ExpirySweepInterval)
	assert.Equal(t, 512, cfg.SSEQueueCapacity)
	assert.Equal(t, 4*time.Second, cfg.PollInterval)
	assert.Equal(t, models.VerificationEigencloudPrimary, cfg.VerificationDefaultBackend)
	assert.True(t, cfg.VerificationDefaultFallbackEnabled)
	assert.Equal(t, 30, cfg.ChallengeRatePerMinute)
	assert.Equal(t, 4, cfg.MaxConcurrentProvisions)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", "127.0.0.1:9090")
	t.Setenv("GATEWAY_DATABASE_PATH", "/tmp/gw.db")
	t.Setenv("FRONTDOOR_ENABLED", "false")
	t.Setenv("REQUIRE_PRIVY", "true")
	t.Setenv("PRIVY_APP_ID", "app-123")
	t.Setenv("PROVISIONING_BACKEND", "command")
	t.Setenv("PROVISIONING_COMMAND", "/usr/local/bin/provision --json")
	t.Setenv("PROVISIONING_TIMEOUT_MS", "90000")
	t.Setenv("SESSION_TTL_SECONDS", "3600")
	t.Setenv("CHALLENGE_TTL_SECONDS", "120")
	t.Setenv("SSE_QUEUE_CAPACITY", "64")
	t.Setenv("VERIFICATION_DEFAULT_BACKEND", "fallback_only")
	t.Setenv("CHALLENGE_RATE_PER_MINUTE", "5")
	t.Setenv("MAX_CONCURRENT_PROVISIONS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr)
	assert.Equal(t, "/tmp/gw.db", cfg.DatabasePath)
	assert.False(t, cfg.FrontdoorEnabled)
	assert.True(t, cfg.RequirePrivy)
	assert.Equal(t, "app-123", cfg.PrivyAppID)
	assert.Equal(t, models.ProvisioningCommand, cfg.ProvisioningBackend)
	assert.Equal(t, "/usr/local/bin/provision --json", cfg.ProvisioningCommand)
	assert.Equal(t, 90*time.Second, cfg.ProvisioningTimeout)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 2*time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, 64, cfg.SSEQueueCapacity)
	assert.Equal(t, models.VerificationFallbackOnly, cfg.VerificationDefaultBackend)
	assert.Equal(t, 5, cfg.ChallengeRatePerMinute)
	assert.Equal(t, 2, cfg.MaxConcurrentProvisions)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"unknown provisioning backend", "PROVISIONING_BACKEND", "kubernetes", "invalid PROVISIONING_BACKEND"},
		{"unknown verification backend", "VERIFICATION_DEFAULT_BACKEND", "notary", "invalid VERIFICATION_DEFAULT_BACKEND"},
		{"non-numeric timeout", "PROVISIONING_TIMEOUT_MS", "soon", "invalid PROVISIONING_TIMEOUT_MS"},
		{"negative ttl", "SESSION_TTL_SECONDS", "-1", "SESSION_TTL_SECONDS"},
		{"zero queue capacity", "SSE_QUEUE_CAPACITY", "0", "SSE_QUEUE_CAPACITY must be positive"},
		{"non-boolean frontdoor", "FRONTDOOR_ENABLED", "sometimes", "invalid FRONTDOOR_ENABLED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadBackendRequiredPairs(t *testing.T) {
	t.Run("command backend without command", func(t *testing.T) {
		t.Setenv("PROVISIONING_BACKEND", "command")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PROVISIONING_COMMAND is required")
	})

	t.Run("static backend without url", func(t *testing.T) {
		t.Setenv("PROVISIONING_BACKEND", "default_instance_url")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DEFAULT_INSTANCE_URL is required")
	})

	t.Run("static backend with url", func(t *testing.T) {
		t.Setenv("PROVISIONING_BACKEND", "default_instance_url")
		t.Setenv("DEFAULT_INSTANCE_URL", "https://shared.example.com")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, models.ProvisioningDefaultInstanceURL, cfg.ProvisioningBackend)
		assert.Equal(t, "https://shared.example.com", cfg.DefaultInstanceURL)
	})
}
