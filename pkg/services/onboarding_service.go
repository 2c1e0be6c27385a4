package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/onboarding"
)

// OnboardingService persists conversation state and orchestrates chat turns:
// engine application, transcript persistence, chat_events publishing, and the
// timeline entry when a step advances. The engine itself stays pure.
type OnboardingService struct {
	db        *sql.DB
	sessions  *SessionService
	timeline  *TimelineService
	publisher *events.Publisher
}

// NewOnboardingService creates a new OnboardingService.
func NewOnboardingService(db *sql.DB, sessions *SessionService, timeline *TimelineService, publisher *events.Publisher) *OnboardingService {
	return &OnboardingService{
		db:        db,
		sessions:  sessions,
		timeline:  timeline,
		publisher: publisher,
	}
}

// State returns the conversation snapshot for a session, lazily initialized.
// The initial state is not persisted until the first accepted turn.
func (s *OnboardingService) State(ctx context.Context, sessionID string) (*models.OnboardingState, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	state, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = onboarding.NewState(sessionID, time.Now())
	}
	return state, nil
}

// Chat advances the conversation by one user turn. Rejected turns surface an
// onboarding_precondition error and persist nothing; accepted turns persist
// the new transcript, publish a response event, and record advancement on the
// timeline.
func (s *OnboardingService) Chat(ctx context.Context, sessionID, message string) (*onboarding.Result, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusPendingSignature {
		return nil, NewFlowError(CodeOnboardingSessionMismatch,
			"onboarding chat is only available while the session awaits a signature").
			WithExtra("status", string(sess.Status))
	}

	state, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = onboarding.NewState(sessionID, time.Now())
	}

	res, err := onboarding.Apply(state, message, time.Now())
	if err != nil {
		var pre *onboarding.PreconditionError
		if errors.As(err, &pre) {
			return nil, NewFlowError(CodeOnboardingPrecondition, pre.Reason).
				WithExtra("step", string(pre.Step))
		}
		return nil, fmt.Errorf("failed to apply onboarding turn: %w", err)
	}

	if err := s.save(res.State); err != nil {
		return nil, err
	}

	if err := s.publisher.PublishResponse(sessionID, res.Assistant, res.State.CurrentStep, res.State.Completed); err != nil {
		slog.Warn("Failed to publish onboarding response",
			"session_id", sessionID, "error", err)
	}

	if res.Advanced {
		if _, err := s.timeline.Append(ctx, sessionID, models.EventOnboardingAdvanced,
			models.TimelineOK, "advanced to "+string(res.State.CurrentStep), models.ActorUser); err != nil {
			slog.Warn("Failed to record onboarding advancement",
				"session_id", sessionID, "error", err)
		}
		if _, err := s.sessions.ApplyLatest(ctx, sessionID, func(next *models.Session) error {
			RefreshTodoCounts(next, res.State)
			return nil
		}); err != nil {
			slog.Warn("Failed to refresh todo counts",
				"session_id", sessionID, "error", err)
		}
	}

	return res, nil
}

// CompleteForVerify drives the conversation to completion from a validated
// config so a direct signature submission needs no prior chat turns. The
// synthetic turns are persisted to the transcript (auth key masked by the
// engine's sanitizer; the placeholder is fed in, never the key itself) but
// publish no chat events. Fields the config cannot supply fail with
// onboarding_required_variables.
func (s *OnboardingService) CompleteForVerify(ctx context.Context, sessionID string, cfg *models.PolicyConfig) (*models.OnboardingState, error) {
	state, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if state == nil {
		state = onboarding.NewState(sessionID, now)
	}
	if state.Completed {
		return state, nil
	}

	if missing := requirementGaps(state, cfg); len(missing) > 0 {
		return nil, NewRequiredVariablesError(missing)
	}

	advancedFrom := state.CurrentStep
	for !state.Completed {
		var msg string
		switch state.CurrentStep {
		case models.StepCollectObjective:
			msg = strings.TrimSpace(cfg.Objective)
		case models.StepCollectAssignments:
			msg = assignmentTurn(state, cfg)
		case models.StepConfirmAndSign:
			msg = onboarding.TokenConfirmPlan
		case models.StepReadyToSign:
			msg = onboarding.TokenConfirmSign
		default:
			return nil, fmt.Errorf("onboarding catch-up reached unknown step %q", state.CurrentStep)
		}

		res, err := onboarding.Apply(state, msg, now)
		if err != nil {
			return nil, fmt.Errorf("failed onboarding catch-up at step %s: %w", state.CurrentStep, err)
		}
		state = res.State
	}

	if err := s.save(state); err != nil {
		return nil, err
	}

	if advancedFrom != state.CurrentStep {
		if _, err := s.timeline.Append(ctx, sessionID, models.EventOnboardingAdvanced,
			models.TimelineOK, "conversation completed from verified config", models.ActorGateway); err != nil {
			slog.Warn("Failed to record onboarding catch-up",
				"session_id", sessionID, "error", err)
		}
	}

	return state, nil
}

// assignmentTurn renders the key=value turn that resolves the conversation's
// remaining fields from the config. The auth key is represented by the
// engine placeholder; only its presence matters here.
func assignmentTurn(state *models.OnboardingState, cfg *models.PolicyConfig) string {
	parts := make([]string, 0, len(state.MissingFields))
	for _, field := range state.MissingFields {
		switch field {
		case onboarding.FieldProfileName:
			parts = append(parts, onboarding.FieldProfileName+"="+strings.TrimSpace(cfg.ProfileName))
		case onboarding.FieldAcceptTerms:
			parts = append(parts, onboarding.FieldAcceptTerms+"=true")
		case onboarding.FieldGatewayAuthKey:
			parts = append(parts, onboarding.FieldGatewayAuthKey+"="+onboarding.AuthKeyPlaceholder)
		}
	}
	return strings.Join(parts, ", ")
}

// requirementGaps lists the conversation fields still required that cfg
// cannot satisfy.
func requirementGaps(state *models.OnboardingState, cfg *models.PolicyConfig) []string {
	need := make(map[string]bool, 4)
	switch state.CurrentStep {
	case models.StepCollectObjective:
		need[onboarding.FieldObjective] = true
		need[onboarding.FieldProfileName] = true
		need[onboarding.FieldAcceptTerms] = true
		need[onboarding.FieldGatewayAuthKey] = true
	case models.StepCollectAssignments:
		for _, field := range state.MissingFields {
			need[field] = true
		}
	}

	var missing []string
	if need[onboarding.FieldObjective] && strings.TrimSpace(cfg.Objective) == "" {
		missing = append(missing, onboarding.FieldObjective)
	}
	if need[onboarding.FieldProfileName] && strings.TrimSpace(cfg.ProfileName) == "" {
		missing = append(missing, onboarding.FieldProfileName)
	}
	if need[onboarding.FieldAcceptTerms] && !cfg.AcceptTerms {
		missing = append(missing, onboarding.FieldAcceptTerms)
	}
	if need[onboarding.FieldGatewayAuthKey] && strings.TrimSpace(cfg.GatewayAuthKey) == "" {
		missing = append(missing, onboarding.FieldGatewayAuthKey)
	}
	return missing
}

func (s *OnboardingService) load(ctx context.Context, sessionID string) (*models.OnboardingState, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM onboarding_states WHERE session_id = ?`, sessionID,
	).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load onboarding state: %w", err)
	}

	var state models.OnboardingState
	if err := json.Unmarshal([]byte(document), &state); err != nil {
		return nil, fmt.Errorf("failed to decode onboarding state: %w", err)
	}
	return &state, nil
}

func (s *OnboardingService) save(state *models.OnboardingState) error {
	document, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal onboarding state: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = s.db.ExecContext(writeCtx,
		`INSERT INTO onboarding_states (session_id, document, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		state.SessionID, string(document), state.UpdatedAt.UTC().Format(timeColumnLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("onboarding state for session %s: %w", state.SessionID, ErrNotFound)
		}
		return fmt.Errorf("failed to persist onboarding state: %w", err)
	}
	return nil
}
