package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/enclagent/gateway/pkg/models"
)

var (
	// ErrNotFound is returned when a session (or dependent record) does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrVersionConflict is returned when an optimistic CAS write loses the race.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrInvariantViolation is returned when a mutation would break a session
	// invariant; the write is rejected before touching the store.
	ErrInvariantViolation = errors.New("session invariant violation")
)

// Wire error codes. Every error a handler returns maps to exactly one of
// these; pkg/api owns the code → HTTP status table.
const (
	CodeInvalidWalletAddress            = "invalid_wallet_address"
	CodeInvalidSessionID                = "invalid_session_id"
	CodeChallengeWalletMismatch         = "challenge_wallet_mismatch"
	CodeSignatureMalformed              = "signature_malformed"
	CodeSignatureMessageMismatch        = "signature_message_mismatch"
	CodeSignatureWalletMismatch         = "signature_wallet_mismatch"
	CodeChallengeExpired                = "challenge_expired"
	CodePreflightFailed                 = "preflight_failed"
	CodeProvisioningFailure             = "provisioning_failure"
	CodeProvisioningTimeout             = "provisioning_timeout"
	CodeProvisioningMalformedResult     = "provisioning_malformed_result"
	CodeSessionNotFound                 = "session_not_found"
	CodeVersionConflict                 = "version_conflict"
	CodeRuntimeControlBlocked           = "runtime_control_blocked"
	CodeConfigInvalid                   = "config_invalid"
	CodeOnboardingPrecondition          = "onboarding_precondition"
	CodeOnboardingRequiredVariables     = "onboarding_required_variables"
	CodeOnboardingSessionMismatch       = "onboarding_session_mismatch"
	CodeRateLimited                     = "rate_limited"
	CodeFrontdoorDisabled               = "frontdoor_disabled"
	CodeProvisioningBackendUnconfigured = "provisioning_backend_unconfigured"
	CodePrivyAppIDMissing               = "privy_app_id_missing"
	CodeInternalError                   = "internal_error"
)

// FlowError is a taxonomy error: a wire code, a human message, and the
// code-specific envelope extras (field/reason, missing_fields, ...).
type FlowError struct {
	Code    string
	Message string
	Extra   map[string]any
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewFlowError creates a taxonomy error without extras.
func NewFlowError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// WithExtra attaches one envelope extra and returns the error for chaining.
func (e *FlowError) WithExtra(key string, value any) *FlowError {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

// AsFlowError unwraps err to a FlowError when one is in the chain.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// NewConfigInvalidError builds the config_invalid error with its
// field/reason extras.
func NewConfigInvalidError(field, reason string) *FlowError {
	return NewFlowError(CodeConfigInvalid, fmt.Sprintf("config field %s: %s", field, reason)).
		WithExtra("field", field).
		WithExtra("reason", reason)
}

// NewRequiredVariablesError builds the onboarding_required_variables error
// listing the fields the catch-up could not satisfy.
func NewRequiredVariablesError(missing []string) *FlowError {
	return NewFlowError(CodeOnboardingRequiredVariables,
		fmt.Sprintf("onboarding incomplete, missing: %s", strings.Join(missing, ", "))).
		WithExtra("missing_fields", missing)
}

// NewPreflightFailedError builds the preflight_failed error carrying the
// first failing check id.
func NewPreflightFailedError(failureCategory string) *FlowError {
	return NewFlowError(CodePreflightFailed,
		fmt.Sprintf("funding preflight failed: %s", failureCategory)).
		WithExtra("failure_category", failureCategory)
}

// NewControlBlockedError builds the runtime_control_blocked error with its
// from_state/action extras.
func NewControlBlockedError(fromState models.RuntimeState, action string) *FlowError {
	return NewFlowError(CodeRuntimeControlBlocked,
		fmt.Sprintf("action %s is blocked from runtime state %s", action, fromState)).
		WithExtra("from_state", string(fromState)).
		WithExtra("action", action)
}
