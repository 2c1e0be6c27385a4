package models

import "time"

// Timeline event types. The timeline is server-authoritative: every entry is
// emitted by the gateway at the moment the transition is observed.
const (
	EventChallengeIssued       = "challenge_issued"
	EventSignatureVerified     = "signature_verified"
	EventSignatureRejected     = "signature_rejected"
	EventPreflightPassed       = "preflight_passed"
	EventPreflightFailed       = "preflight_failed"
	EventConfigRejected        = "config_rejected"
	EventProvisioningStarted   = "provisioning_started"
	EventProvisioningLog       = "provisioning_log"
	EventProvisioningSucceeded = "provisioning_succeeded"
	EventProvisioningFailed    = "provisioning_failed"
	EventChallengeExpired      = "challenge_expired"
	EventRuntimePaused         = "runtime_paused"
	EventRuntimeResumed        = "runtime_resumed"
	EventRuntimeTerminated     = "runtime_terminated"
	EventAuthKeyRotated        = "auth_key_rotated"
	EventOnboardingAdvanced    = "onboarding_advanced"
)

// Timeline actors.
const (
	ActorGateway      = "gateway"
	ActorUser         = "user"
	ActorProvisioner  = "provisioner"
	ActorControlPlane = "control_plane"
)

// Timeline entry statuses.
const (
	TimelineOK     = "ok"
	TimelineFailed = "failed"
	TimelineInfo   = "info"
)

// TimelineEvent is one append-only entry of a session's ordered event log.
// SeqID is contiguous from 1 per session; entries are never mutated.
type TimelineEvent struct {
	SessionID string    `json:"session_id"`
	SeqID     int64     `json:"seq_id"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}
