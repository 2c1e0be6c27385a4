package services

import (
	"github.com/enclagent/gateway/pkg/models"
)

// VerificationExplanation is the read-only view of how a session's runtime
// evidence is (or would be) verified.
type VerificationExplanation struct {
	SessionID     string                     `json:"session_id"`
	Backend       models.VerificationBackend `json:"backend"`
	Level         string                     `json:"level"`
	FallbackUsed  bool                       `json:"fallback_used"`
	LatencyMS     int64                      `json:"latency_ms"`
	FailureReason string                     `json:"failure_reason,omitempty"`
}

// ExplainVerification derives the explanation from a session snapshot.
// fallback_used reports that the fallback chain is the active verifier,
// either because the backend is fallback_only or because fallback is enabled
// on a session that never recorded an eigencloud probe.
func ExplainVerification(sess *models.Session) *VerificationExplanation {
	fallbackUsed := sess.VerificationBackend == models.VerificationFallbackOnly ||
		(sess.VerificationFallbackEnabled && sess.VerificationLatencyMS == 0)

	explanation := &VerificationExplanation{
		SessionID:    sess.SessionID,
		Backend:      sess.VerificationBackend,
		Level:        sess.VerificationLevel,
		FallbackUsed: fallbackUsed,
		LatencyMS:    sess.VerificationLatencyMS,
	}
	if sess.Status == models.StatusFailed || sess.Status == models.StatusExpired {
		explanation.FailureReason = sess.Detail
		if explanation.FailureReason == "" {
			explanation.FailureReason = sess.Error
		}
	}
	return explanation
}
