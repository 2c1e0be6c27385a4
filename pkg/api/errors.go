package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/policy"
	"github.com/enclagent/gateway/pkg/services"
)

// statusForCode maps every wire error code to its HTTP status. Codes absent
// from the table fall back to 500 so an unmapped code is loud in logs
// rather than silently 200.
var statusForCode = map[string]int{
	services.CodeInvalidWalletAddress:        http.StatusBadRequest,
	services.CodeInvalidSessionID:            http.StatusBadRequest,
	services.CodeChallengeWalletMismatch:     http.StatusBadRequest,
	services.CodeSignatureMalformed:          http.StatusBadRequest,
	services.CodeSignatureMessageMismatch:    http.StatusBadRequest,
	services.CodeSignatureWalletMismatch:     http.StatusBadRequest,
	services.CodeChallengeExpired:            http.StatusBadRequest,
	services.CodePreflightFailed:             http.StatusBadRequest,
	services.CodeProvisioningFailure:         http.StatusBadRequest,
	services.CodeProvisioningTimeout:         http.StatusBadRequest,
	services.CodeProvisioningMalformedResult: http.StatusBadRequest,

	services.CodeSessionNotFound: http.StatusNotFound,

	services.CodeVersionConflict:       http.StatusConflict,
	services.CodeRuntimeControlBlocked: http.StatusConflict,

	services.CodeConfigInvalid:               http.StatusUnprocessableEntity,
	services.CodeOnboardingPrecondition:      http.StatusUnprocessableEntity,
	services.CodeOnboardingRequiredVariables: http.StatusUnprocessableEntity,
	services.CodeOnboardingSessionMismatch:   http.StatusUnprocessableEntity,

	services.CodeRateLimited: http.StatusTooManyRequests,

	services.CodeFrontdoorDisabled:               http.StatusServiceUnavailable,
	services.CodeProvisioningBackendUnconfigured: http.StatusServiceUnavailable,
	services.CodePrivyAppIDMissing:               http.StatusServiceUnavailable,

	services.CodeInternalError: http.StatusInternalServerError,
}

// operatorHints are short remediation notes surfaced in the error envelope.
var operatorHints = map[string]string{
	services.CodeInvalidWalletAddress:        "wallet_address must be a 0x-prefixed 20-byte hex address",
	services.CodeInvalidSessionID:            "session_id must be the UUID returned by POST /challenge",
	services.CodeChallengeWalletMismatch:     "verify with the same wallet that requested the challenge",
	services.CodeSignatureMalformed:          "signature must be 65-byte 0x-prefixed hex from personal_sign",
	services.CodeSignatureMessageMismatch:    "sign the challenge message exactly as issued",
	services.CodeSignatureWalletMismatch:     "the signing key does not control the challenge wallet",
	services.CodeChallengeExpired:            "request a new challenge and sign it before expires_at",
	services.CodePreflightFailed:             "inspect GET /session/{id}/funding-preflight for the failing check",
	services.CodeProvisioningFailure:         "inspect the session timeline for provisioner output",
	services.CodeProvisioningTimeout:         "increase PROVISIONING_TIMEOUT_MS or check the provisioner",
	services.CodeProvisioningMalformedResult: "the provisioner must report exactly one of instance_url or verify_url",
	services.CodeSessionNotFound:             "the session does not exist or was purged",
	services.CodeVersionConflict:             "re-read the session and retry with the current version",
	services.CodeRuntimeControlBlocked:       "consult runtime_state before issuing control actions",
	services.CodeConfigInvalid:               "fix the named config field and verify again",
	services.CodeOnboardingPrecondition:      "finish the onboarding conversation before verifying",
	services.CodeOnboardingRequiredVariables: "supply the missing config fields and verify again",
	services.CodeOnboardingSessionMismatch:   "the onboarding state belongs to a different session",
	services.CodeRateLimited:                 "per-wallet challenge limit reached, retry after a minute",
	services.CodeFrontdoorDisabled:           "set FRONTDOOR_ENABLED=true to accept mutations",
	services.CodeProvisioningBackendUnconfigured: "set PROVISIONING_BACKEND to command or default_instance_url",
	services.CodePrivyAppIDMissing:               "set PRIVY_APP_ID or disable REQUIRE_PRIVY",
	services.CodeInternalError:                   "see server logs",
}

// errorEnvelope converts handler errors into the wire envelope
// {error, error_code, operator_hint, ...extras}. Handlers return taxonomy
// errors (or raw service errors) and never write error bodies themselves.
func errorEnvelope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if resp, respErr := echo.UnwrapResponse(c.Response()); respErr == nil && resp.Committed {
				// Streaming handlers surface errors mid-body; nothing
				// useful can be written at this point.
				return nil
			}
			var statusCoder echo.HTTPStatusCoder
			if errors.As(err, &statusCoder) {
				// Router-level errors (no route, wrong method) keep echo's
				// own rendering; handlers never return HTTPError.
				return err
			}
			status, body := envelopeFor(err)
			return c.JSON(status, body)
		}
	}
}

// envelopeFor resolves an error to its HTTP status and envelope body.
func envelopeFor(err error) (int, map[string]any) {
	if flowErr, ok := services.AsFlowError(err); ok {
		return httpStatus(flowErr.Code), envelope(flowErr.Code, flowErr.Message, flowErr.Extra)
	}

	var validErr *policy.ValidationError
	if errors.As(err, &validErr) {
		flowErr := services.NewConfigInvalidError(validErr.Field, validErr.Reason)
		return http.StatusUnprocessableEntity, envelope(flowErr.Code, flowErr.Message, flowErr.Extra)
	}
	if errors.Is(err, services.ErrNotFound) {
		return http.StatusNotFound, envelope(services.CodeSessionNotFound, "session not found", nil)
	}
	if errors.Is(err, services.ErrVersionConflict) {
		return http.StatusConflict, envelope(services.CodeVersionConflict, "session was modified concurrently", nil)
	}

	slog.Error("Unexpected handler error", "error", err)
	return http.StatusInternalServerError, envelope(services.CodeInternalError, "internal server error", nil)
}

func httpStatus(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	slog.Error("Error code missing from status table", "error_code", code)
	return http.StatusInternalServerError
}

func envelope(code, message string, extra map[string]any) map[string]any {
	body := map[string]any{
		"error":      message,
		"error_code": code,
	}
	if hint, ok := operatorHints[code]; ok {
		body["operator_hint"] = hint
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}
