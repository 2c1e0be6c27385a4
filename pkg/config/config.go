// Package config loads the gateway's boot-time configuration from the
// environment. Values are read exactly once by Load; nothing in this
// package re-reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/enclagent/gateway/pkg/models"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultAddr                    = ":8080"
	DefaultDatabasePath            = "gateway.db"
	DefaultProvisioningTimeout     = 180 * time.Second
	DefaultSessionTTL              = 24 * time.Hour
	DefaultChallengeTTL            = 10 * time.Minute
	DefaultExpirySweepInterval     = 5 * time.Second
	DefaultSSEQueueCapacity        = 512
	DefaultPollInterval            = 4 * time.Second
	DefaultChallengeRatePerMin     = 30
	DefaultMaxConcurrentProvisions = 4
	DefaultRetentionDays           = 7
)

// Config is the gateway's runtime configuration. Fields never change after
// Load returns; components receive the values they need at construction.
type Config struct {
	// Addr is the listen address of the HTTP server (GATEWAY_ADDR).
	Addr string

	// DatabasePath is the SQLite file path (GATEWAY_DATABASE_PATH).
	DatabasePath string

	// FrontdoorEnabled gates the mutating surfaces (challenge, verify,
	// onboarding chat, runtime control, suggest-config). When false those
	// endpoints refuse with frontdoor_disabled; read surfaces stay open.
	FrontdoorEnabled bool

	// RequirePrivy demands an identity token during verification.
	RequirePrivy  bool
	PrivyAppID    string
	PrivyClientID string

	// ProvisioningBackend selects how runtime endpoints are produced.
	ProvisioningBackend models.ProvisioningSource
	// ProvisioningCommand is the provisioner argv, whitespace-split and
	// executed without a shell. Required when backend=command.
	ProvisioningCommand string
	ProvisioningTimeout time.Duration
	// DefaultInstanceURL is the shared endpoint attached in
	// default_instance_url mode. Required for that backend.
	DefaultInstanceURL string

	SessionTTL          time.Duration
	ChallengeTTL        time.Duration
	ExpirySweepInterval time.Duration

	// SSEQueueCapacity bounds each event-bus subscriber queue.
	SSEQueueCapacity int
	// PollInterval is advertised to clients via /bootstrap.
	PollInterval time.Duration

	VerificationDefaultBackend         models.VerificationBackend
	VerificationDefaultFallbackEnabled bool
	// EigencloudStatusURL, when set, is probed by the funding preflight's
	// reachability check. Unset means the probe is skipped.
	EigencloudStatusURL string

	// ChallengeRatePerMinute caps POST /challenge per wallet.
	ChallengeRatePerMinute int
	// MaxConcurrentProvisions bounds in-flight provisioner subprocesses.
	MaxConcurrentProvisions int

	// TemplatesPath is an optional user policy-template catalog (YAML).
	TemplatesPath string

	// RetentionDays controls purging of failed/expired sessions.
	RetentionDays int
}

// Load reads the gateway configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:                getEnvOrDefault("GATEWAY_ADDR", DefaultAddr),
		DatabasePath:        getEnvOrDefault("GATEWAY_DATABASE_PATH", DefaultDatabasePath),
		PrivyAppID:          os.Getenv("PRIVY_APP_ID"),
		PrivyClientID:       os.Getenv("PRIVY_CLIENT_ID"),
		ProvisioningCommand: os.Getenv("PROVISIONING_COMMAND"),
		DefaultInstanceURL:  os.Getenv("DEFAULT_INSTANCE_URL"),
		EigencloudStatusURL: os.Getenv("EIGENCLOUD_STATUS_URL"),
		TemplatesPath:       os.Getenv("TEMPLATES_PATH"),
	}

	var err error
	if cfg.FrontdoorEnabled, err = getEnvBool("FRONTDOOR_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RequirePrivy, err = getEnvBool("REQUIRE_PRIVY", false); err != nil {
		return nil, err
	}

	backend := models.ProvisioningSource(getEnvOrDefault("PROVISIONING_BACKEND", string(models.ProvisioningUnconfigured)))
	if !backend.IsValid() {
		return nil, fmt.Errorf("invalid PROVISIONING_BACKEND %q (want command, default_instance_url, or unconfigured)", backend)
	}
	cfg.ProvisioningBackend = backend
	if backend == models.ProvisioningCommand && cfg.ProvisioningCommand == "" {
		return nil, fmt.Errorf("PROVISIONING_COMMAND is required when PROVISIONING_BACKEND=command")
	}
	if backend == models.ProvisioningDefaultInstanceURL && cfg.DefaultInstanceURL == "" {
		return nil, fmt.Errorf("DEFAULT_INSTANCE_URL is required when PROVISIONING_BACKEND=default_instance_url")
	}

	if cfg.ProvisioningTimeout, err = getEnvMillis("PROVISIONING_TIMEOUT_MS", DefaultProvisioningTimeout); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getEnvSeconds("SESSION_TTL_SECONDS", DefaultSessionTTL); err != nil {
		return nil, err
	}
	if cfg.ChallengeTTL, err = getEnvSeconds("CHALLENGE_TTL_SECONDS", DefaultChallengeTTL); err != nil {
		return nil, err
	}
	if cfg.ExpirySweepInterval, err = getEnvMillis("EXPIRY_SWEEP_INTERVAL_MS", DefaultExpirySweepInterval); err != nil {
		return nil, err
	}
	if cfg.SSEQueueCapacity, err = getEnvInt("SSE_QUEUE_CAPACITY", DefaultSSEQueueCapacity); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvMillis("POLL_INTERVAL_MS", DefaultPollInterval); err != nil {
		return nil, err
	}

	vb := models.VerificationBackend(getEnvOrDefault("VERIFICATION_DEFAULT_BACKEND", string(models.VerificationEigencloudPrimary)))
	if !vb.IsValid() {
		return nil, fmt.Errorf("invalid VERIFICATION_DEFAULT_BACKEND %q (want eigencloud_primary or fallback_only)", vb)
	}
	cfg.VerificationDefaultBackend = vb
	if cfg.VerificationDefaultFallbackEnabled, err = getEnvBool("VERIFICATION_DEFAULT_FALLBACK_ENABLED", true); err != nil {
		return nil, err
	}

	if cfg.ChallengeRatePerMinute, err = getEnvInt("CHALLENGE_RATE_PER_MINUTE", DefaultChallengeRatePerMin); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentProvisions, err = getEnvInt("MAX_CONCURRENT_PROVISIONS", DefaultMaxConcurrentProvisions); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = getEnvInt("RETENTION_DAYS", DefaultRetentionDays); err != nil {
		return nil, err
	}

	if cfg.SSEQueueCapacity < 1 {
		return nil, fmt.Errorf("SSE_QUEUE_CAPACITY must be positive, got %d", cfg.SSEQueueCapacity)
	}
	if cfg.MaxConcurrentProvisions < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_PROVISIONS must be positive, got %d", cfg.MaxConcurrentProvisions)
	}
	if cfg.ChallengeRatePerMinute < 1 {
		return nil, fmt.Errorf("CHALLENGE_RATE_PER_MINUTE must be positive, got %d", cfg.ChallengeRatePerMinute)
	}
	if cfg.RetentionDays < 0 {
		return nil, fmt.Errorf("RETENTION_DAYS must not be negative, got %d", cfg.RetentionDays)
	}

	return cfg, nil
}

// Retention returns the purge window for terminal sessions.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	ms, err := getEnvInt(key, int(defaultVal.Milliseconds()))
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive millisecond count", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getEnvSeconds(key string, defaultVal time.Duration) (time.Duration, error) {
	secs, err := getEnvInt(key, int(defaultVal.Seconds()))
	if err != nil {
		return 0, err
	}
	if secs <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive second count", key)
	}
	return time.Duration(secs) * time.Second, nil
}
