package models

import (
	"time"
)

// SessionStatus is the top-level lifecycle state of a gateway session.
type SessionStatus string

const (
	// StatusPendingSignature means a challenge was issued and is awaiting a signed authorization.
	StatusPendingSignature SessionStatus = "pending_signature"
	// StatusProvisioning means the signature was accepted and a runtime is being provisioned.
	StatusProvisioning SessionStatus = "provisioning"
	// StatusReady means the runtime endpoint is available; runtime_state governs sub-state.
	StatusReady SessionStatus = "ready"
	// StatusFailed is terminal; session.error carries the reason.
	StatusFailed SessionStatus = "failed"
	// StatusExpired is terminal; the challenge or provisioning window lapsed.
	StatusExpired SessionStatus = "expired"
)

// IsValid checks if the session status is a known value.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusPendingSignature, StatusProvisioning, StatusReady, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further status transition is representable.
// ready is terminal for status purposes; runtime_state still evolves beneath it.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusExpired
}

// CanTransitionTo reports whether the status DAG permits moving to next.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusPendingSignature:
		return next == StatusProvisioning || next == StatusExpired || next == StatusFailed
	case StatusProvisioning:
		return next == StatusReady || next == StatusFailed || next == StatusExpired
	default:
		return false
	}
}

// RuntimeState is the sub-state of a ready session's external runtime.
type RuntimeState string

const (
	// RuntimeNotStarted holds until the session reaches ready.
	RuntimeNotStarted RuntimeState = "not_started"
	// RuntimeRunning means the provisioned runtime is live.
	RuntimeRunning RuntimeState = "running"
	// RuntimePaused means the runtime is suspended but resumable.
	RuntimePaused RuntimeState = "paused"
	// RuntimeTerminated is absorbing.
	RuntimeTerminated RuntimeState = "terminated"
)

// IsValid checks if the runtime state is a known value.
func (r RuntimeState) IsValid() bool {
	switch r {
	case RuntimeNotStarted, RuntimeRunning, RuntimePaused, RuntimeTerminated:
		return true
	default:
		return false
	}
}

// ProvisioningSource identifies how a runtime endpoint is produced.
type ProvisioningSource string

const (
	// ProvisioningCommand runs the configured external provisioner command.
	ProvisioningCommand ProvisioningSource = "command"
	// ProvisioningDefaultInstanceURL reuses a fixed endpoint from configuration.
	ProvisioningDefaultInstanceURL ProvisioningSource = "default_instance_url"
	// ProvisioningUnconfigured means no backend is configured; verify is refused.
	ProvisioningUnconfigured ProvisioningSource = "unconfigured"
)

// IsValid checks if the provisioning source is a known value.
func (p ProvisioningSource) IsValid() bool {
	return p == ProvisioningCommand || p == ProvisioningDefaultInstanceURL || p == ProvisioningUnconfigured
}

// PreflightStatus is the aggregate outcome of the funding preflight battery.
type PreflightStatus string

const (
	PreflightNotRun PreflightStatus = "not_run"
	PreflightPassed PreflightStatus = "passed"
	PreflightFailed PreflightStatus = "failed"
)

// CheckStatus is the outcome of a single preflight check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckSkipped CheckStatus = "skipped"
)

// PreflightCheck is one entry of the ordered funding preflight battery.
type PreflightCheck struct {
	CheckID string      `json:"check_id"`
	Status  CheckStatus `json:"status"`
	Detail  string      `json:"detail,omitempty"`
}

// Session is the authoritative record for one wallet-bound
// authorization-and-provisioning unit. It is owned by the session store;
// everything else sees deep-copied snapshots.
type Session struct {
	SessionID     string `json:"session_id"`
	WalletAddress string `json:"wallet_address"`
	PrivyUserID   string `json:"privy_user_id,omitempty"`

	Version      int64         `json:"version"`
	Status       SessionStatus `json:"status"`
	RuntimeState RuntimeState  `json:"runtime_state"`

	ChallengeMessage   string    `json:"challenge_message"`
	ChallengeCreatedAt time.Time `json:"challenge_created_at"`
	ChallengeExpiresAt time.Time `json:"challenge_expires_at"`

	Config        *PolicyConfig `json:"config,omitempty"`
	ProfileName   string        `json:"profile_name,omitempty"`
	ProfileDomain string        `json:"profile_domain,omitempty"`

	ProvisioningSource   ProvisioningSource `json:"provisioning_source"`
	DedicatedInstance    bool               `json:"dedicated_instance"`
	LaunchedOnEigencloud bool               `json:"launched_on_eigencloud"`
	InstanceURL          string             `json:"instance_url,omitempty"`
	VerifyURL            string             `json:"verify_url,omitempty"`
	EigenAppID           string             `json:"eigen_app_id,omitempty"`

	VerificationBackend                       VerificationBackend `json:"verification_backend"`
	VerificationLevel                         string              `json:"verification_level"`
	VerificationFallbackEnabled               bool                `json:"verification_fallback_enabled"`
	VerificationFallbackRequireSignedReceipts bool                `json:"verification_fallback_require_signed_receipts"`
	VerificationLatencyMS                     int64               `json:"verification_latency_ms"`

	// AuthKeyFingerprint is a sha256 hex prefix of the gateway auth key.
	// The key itself is never persisted.
	AuthKeyFingerprint string `json:"auth_key_fingerprint,omitempty"`

	FundingPreflightStatus          PreflightStatus  `json:"funding_preflight_status"`
	FundingPreflightFailureCategory string           `json:"funding_preflight_failure_category,omitempty"`
	FundingPreflightChecks          []PreflightCheck `json:"funding_preflight_checks,omitempty"`

	TodoOpenRequiredCount    int    `json:"todo_open_required_count"`
	TodoOpenRecommendedCount int    `json:"todo_open_recommended_count"`
	TodoStatusSummary        string `json:"todo_status_summary,omitempty"`

	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Config = s.Config.Clone()
	if s.FundingPreflightChecks != nil {
		cp.FundingPreflightChecks = make([]PreflightCheck, len(s.FundingPreflightChecks))
		copy(cp.FundingPreflightChecks, s.FundingPreflightChecks)
	}
	return &cp
}
