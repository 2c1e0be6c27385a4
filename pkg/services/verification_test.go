package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/enclagent/gateway/pkg/models"
)

func TestExplainVerification(t *testing.T) {
	tests := []struct {
		name string
		sess *models.Session
		want VerificationExplanation
	}{
		{
			name: "eigencloud primary with recorded probe",
			sess: &models.Session{
				SessionID:                   "s1",
				Status:                      models.StatusReady,
				VerificationBackend:         models.VerificationEigencloudPrimary,
				VerificationLevel:           models.VerificationLevelStandard,
				VerificationFallbackEnabled: true,
				VerificationLatencyMS:       42,
			},
			want: VerificationExplanation{
				SessionID:    "s1",
				Backend:      models.VerificationEigencloudPrimary,
				Level:        models.VerificationLevelStandard,
				FallbackUsed: false,
				LatencyMS:    42,
			},
		},
		{
			name: "fallback only never probes",
			sess: &models.Session{
				SessionID:           "s2",
				Status:              models.StatusReady,
				VerificationBackend: models.VerificationFallbackOnly,
				VerificationLevel:   models.VerificationLevelStandard,
			},
			want: VerificationExplanation{
				SessionID:    "s2",
				Backend:      models.VerificationFallbackOnly,
				Level:        models.VerificationLevelStandard,
				FallbackUsed: true,
			},
		},
		{
			name: "fallback enabled without a probe counts as fallback",
			sess: &models.Session{
				SessionID:                   "s3",
				Status:                      models.StatusPendingSignature,
				VerificationBackend:         models.VerificationEigencloudPrimary,
				VerificationLevel:           models.VerificationLevelStandard,
				VerificationFallbackEnabled: true,
			},
			want: VerificationExplanation{
				SessionID:    "s3",
				Backend:      models.VerificationEigencloudPrimary,
				Level:        models.VerificationLevelStandard,
				FallbackUsed: true,
			},
		},
		{
			name: "failed session carries the failure reason",
			sess: &models.Session{
				SessionID:                   "s4",
				Status:                      models.StatusFailed,
				VerificationBackend:         models.VerificationEigencloudPrimary,
				VerificationLevel:           models.VerificationLevelStandard,
				VerificationFallbackEnabled: true,
				Error:                       CodePreflightFailed,
				Detail:                      "gas reserve below required minimum",
			},
			want: VerificationExplanation{
				SessionID:     "s4",
				Backend:       models.VerificationEigencloudPrimary,
				Level:         models.VerificationLevelStandard,
				FallbackUsed:  true,
				FailureReason: "gas reserve below required minimum",
			},
		},
		{
			name: "expired session falls back to the error field",
			sess: &models.Session{
				SessionID:           "s5",
				Status:              models.StatusExpired,
				VerificationBackend: models.VerificationFallbackOnly,
				VerificationLevel:   models.VerificationLevelStandard,
				Error:               "challenge expired",
			},
			want: VerificationExplanation{
				SessionID:     "s5",
				Backend:       models.VerificationFallbackOnly,
				Level:         models.VerificationLevelStandard,
				FallbackUsed:  true,
				FailureReason: "challenge expired",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExplainVerification(tt.sess)
			assert.Equal(t, &tt.want, got)
		})
	}
}
