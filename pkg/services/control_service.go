package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/models"
)

// Runtime control actions.
const (
	ActionPause         = "pause"
	ActionResume        = "resume"
	ActionTerminate     = "terminate"
	ActionRotateAuthKey = "rotate_auth_key"
)

// fingerprintLen is the sha256 hex prefix length persisted for auth keys.
const fingerprintLen = 16

// errControlNoop aborts a mutation that the matrix resolves to "ok, nothing
// to do" (terminate on an already-terminated runtime).
var errControlNoop = errors.New("runtime control no-op")

// ControlResult is the outcome of an applied (or no-op) control action.
type ControlResult struct {
	SessionID    string              `json:"session_id"`
	Action       string              `json:"action"`
	RuntimeState models.RuntimeState `json:"runtime_state"`
	Detail       string              `json:"detail"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ControlService applies the runtime control matrix to ready sessions:
// pause, resume, terminate, and auth-key rotation. Blocked combinations
// surface runtime_control_blocked; the matrix is evaluated atomically with
// the session mutation.
type ControlService struct {
	sessions  *SessionService
	timeline  *TimelineService
	publisher *events.Publisher
}

// NewControlService creates a new ControlService.
func NewControlService(sessions *SessionService, timeline *TimelineService, publisher *events.Publisher) *ControlService {
	return &ControlService{sessions: sessions, timeline: timeline, publisher: publisher}
}

// Apply runs one control action. actor names the requester for the audit
// trail; the timeline entry itself is attributed to the control plane.
func (s *ControlService) Apply(ctx context.Context, sessionID, action, actor string) (*ControlResult, error) {
	if actor == "" {
		actor = models.ActorUser
	}

	var (
		eventType string
		detail    string
	)
	sess, err := s.sessions.ApplyLatest(ctx, sessionID, func(next *models.Session) error {
		if next.Status != models.StatusReady {
			return NewControlBlockedError(next.RuntimeState, action)
		}

		switch action {
		case ActionPause:
			if next.RuntimeState != models.RuntimeRunning {
				return NewControlBlockedError(next.RuntimeState, action)
			}
			next.RuntimeState = models.RuntimePaused
			eventType = models.EventRuntimePaused
			detail = "runtime paused by " + actor

		case ActionResume:
			if next.RuntimeState != models.RuntimePaused {
				return NewControlBlockedError(next.RuntimeState, action)
			}
			next.RuntimeState = models.RuntimeRunning
			eventType = models.EventRuntimeResumed
			detail = "runtime resumed by " + actor

		case ActionTerminate:
			if next.RuntimeState == models.RuntimeTerminated {
				return errControlNoop
			}
			next.RuntimeState = models.RuntimeTerminated
			eventType = models.EventRuntimeTerminated
			detail = "runtime terminated by " + actor

		case ActionRotateAuthKey:
			if next.RuntimeState != models.RuntimeRunning && next.RuntimeState != models.RuntimePaused {
				return NewControlBlockedError(next.RuntimeState, action)
			}
			fingerprint, err := rotateAuthKey()
			if err != nil {
				return err
			}
			next.AuthKeyFingerprint = fingerprint
			eventType = models.EventAuthKeyRotated
			detail = "auth key rotated by " + actor

		default:
			return NewControlBlockedError(next.RuntimeState, action)
		}

		next.Detail = detail
		RefreshTodoCounts(next, nil)
		return nil
	})
	if errors.Is(err, errControlNoop) {
		current, getErr := s.sessions.Get(ctx, sessionID)
		if getErr != nil {
			return nil, getErr
		}
		return &ControlResult{
			SessionID:    sessionID,
			Action:       action,
			RuntimeState: current.RuntimeState,
			Detail:       "runtime already terminated",
			UpdatedAt:    current.UpdatedAt,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.timeline.Append(ctx, sessionID, eventType, models.TimelineOK, detail, models.ActorControlPlane); err != nil {
		slog.Warn("Failed to record control action", "session_id", sessionID, "action", action, "error", err)
	}
	if err := s.publisher.PublishJobStatus(sessionID, action, "completed", "runtime_state="+string(sess.RuntimeState)); err != nil {
		slog.Warn("Failed to publish control action", "session_id", sessionID, "action", action, "error", err)
	}

	return &ControlResult{
		SessionID:    sessionID,
		Action:       action,
		RuntimeState: sess.RuntimeState,
		Detail:       detail,
		UpdatedAt:    sess.UpdatedAt,
	}, nil
}

// FingerprintAuthKey returns the sha256 hex prefix persisted in place of a
// gateway auth key. The key itself must never be stored or logged.
func FingerprintAuthKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// rotateAuthKey generates a fresh key and returns only its fingerprint. The
// key material is handed off out of band; nothing here retains it.
func rotateAuthKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate auth key: %w", err)
	}
	return FingerprintAuthKey(hex.EncodeToString(raw)), nil
}
