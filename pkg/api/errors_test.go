package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/policy"
	"github.com/enclagent/gateway/pkg/services"
)

func TestEnvelopeFor(t *testing.T) {
	t.Run("flow error extras are flattened into the envelope", func(t *testing.T) {
		err := services.NewPreflightFailedError("identity_token_present")

		status, body := envelopeFor(err)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "preflight_failed", body["error_code"])
		assert.Equal(t, "identity_token_present", body["failure_category"])
		assert.NotEmpty(t, body["error"])
		assert.NotEmpty(t, body["operator_hint"])
	})

	t.Run("policy validation maps to config_invalid", func(t *testing.T) {
		err := policy.NewValidationError("max_leverage", "must not exceed leverage_cap")

		status, body := envelopeFor(err)
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, "config_invalid", body["error_code"])
		assert.Equal(t, "max_leverage", body["field"])
		assert.Equal(t, "must not exceed leverage_cap", body["reason"])
	})

	t.Run("store sentinels map to their codes", func(t *testing.T) {
		status, body := envelopeFor(services.ErrNotFound)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "session_not_found", body["error_code"])

		status, body = envelopeFor(services.ErrVersionConflict)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "version_conflict", body["error_code"])
	})

	t.Run("anything else is an internal error", func(t *testing.T) {
		status, body := envelopeFor(errors.New("disk on fire"))
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, "internal_error", body["error_code"])
		// Internal details never leak into the envelope.
		assert.NotContains(t, body["error"], "disk")
	})

	t.Run("wrapped flow errors are still unwrapped", func(t *testing.T) {
		wrapped := errors.Join(errors.New("outer context"),
			services.NewFlowError(services.CodeChallengeExpired, "challenge expired"))

		status, body := envelopeFor(wrapped)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "challenge_expired", body["error_code"])
	})
}

func TestStatusTableCoversTaxonomy(t *testing.T) {
	codes := []string{
		services.CodeInvalidWalletAddress,
		services.CodeInvalidSessionID,
		services.CodeChallengeWalletMismatch,
		services.CodeSignatureMalformed,
		services.CodeSignatureMessageMismatch,
		services.CodeSignatureWalletMismatch,
		services.CodeChallengeExpired,
		services.CodePreflightFailed,
		services.CodeProvisioningFailure,
		services.CodeProvisioningTimeout,
		services.CodeProvisioningMalformedResult,
		services.CodeSessionNotFound,
		services.CodeVersionConflict,
		services.CodeRuntimeControlBlocked,
		services.CodeConfigInvalid,
		services.CodeOnboardingPrecondition,
		services.CodeOnboardingRequiredVariables,
		services.CodeOnboardingSessionMismatch,
		services.CodeRateLimited,
		services.CodeFrontdoorDisabled,
		services.CodeProvisioningBackendUnconfigured,
		services.CodePrivyAppIDMissing,
		services.CodeInternalError,
	}

	for _, code := range codes {
		status, ok := statusForCode[code]
		require.True(t, ok, "no status for %s", code)
		assert.GreaterOrEqual(t, status, 400, "status for %s", code)

		_, ok = operatorHints[code]
		assert.True(t, ok, "no operator hint for %s", code)
	}
}
