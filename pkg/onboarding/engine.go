// Package onboarding implements the four-step conversation that walks a
// wallet from a free-form objective to a signable plan. The engine is pure:
// it derives a new state from (state, message, now) and never touches
// storage; persistence and catch-up live in the onboarding service.
package onboarding

import (
	"fmt"
	"strings"
	"time"

	"github.com/enclagent/gateway/pkg/models"
)

// Required fields resolved during the conversation, in prompt order.
const (
	FieldObjective      = "objective"
	FieldProfileName    = "profile_name"
	FieldAcceptTerms    = "accept_terms"
	FieldGatewayAuthKey = "gateway_auth_key"
)

// Literal confirmation tokens.
const (
	TokenConfirmPlan = "confirm plan"
	TokenConfirmSign = "confirm sign"
)

// AuthKeyPlaceholder replaces gateway_auth_key values in the persisted
// transcript. The raw key never survives a turn.
const AuthKeyPlaceholder = "***"

// PreconditionError reports a turn that violates the current step's
// preconditions. The conversation state is left untouched.
type PreconditionError struct {
	Step   models.OnboardingStep
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("onboarding step %s: %s", e.Step, e.Reason)
}

// Result is the outcome of an accepted turn.
type Result struct {
	// State is an updated deep copy; the input state is never mutated.
	State *models.OnboardingState
	// Assistant is the reply appended to the transcript.
	Assistant string
	// Advanced reports whether current_step changed this turn.
	Advanced bool
}

// NewState returns the initial conversation state for a session.
func NewState(sessionID string, now time.Time) *models.OnboardingState {
	return &models.OnboardingState{
		SessionID:     sessionID,
		CurrentStep:   models.StepCollectObjective,
		MissingFields: []string{FieldObjective},
		Transcript:    []models.TranscriptEntry{},
		UpdatedAt:     now.UTC(),
	}
}

// Apply advances the conversation by one user turn. Accepted turns return a
// new state with user and assistant transcript entries appended; turns that
// violate the current step's preconditions return a *PreconditionError and
// leave the state untouched.
func Apply(state *models.OnboardingState, message string, now time.Time) (*Result, error) {
	msg := strings.TrimSpace(message)
	next := state.Clone()

	var (
		assistant  string
		transcript string
		advanced   bool
		err        error
	)

	switch state.CurrentStep {
	case models.StepCollectObjective:
		assistant, transcript, advanced, err = applyObjective(next, msg)
	case models.StepCollectAssignments:
		assistant, transcript, advanced, err = applyAssignments(next, msg)
	case models.StepConfirmAndSign:
		assistant, transcript, advanced, err = applyConfirmPlan(next, msg)
	case models.StepReadyToSign:
		assistant, transcript, advanced, err = applyConfirmSign(next, msg)
	default:
		return nil, &PreconditionError{Step: state.CurrentStep, Reason: "unknown step"}
	}
	if err != nil {
		return nil, err
	}

	ts := now.UTC()
	next.Transcript = append(next.Transcript,
		models.TranscriptEntry{Role: models.RoleUser, Message: transcript, CreatedAt: ts},
		models.TranscriptEntry{Role: models.RoleAssistant, Message: assistant, CreatedAt: ts},
	)
	next.UpdatedAt = ts

	return &Result{State: next, Assistant: assistant, Advanced: advanced}, nil
}

func applyObjective(next *models.OnboardingState, msg string) (assistant, transcript string, advanced bool, err error) {
	if msg == "" {
		return "", "", false, &PreconditionError{Step: next.CurrentStep, Reason: "objective must be a non-empty statement"}
	}
	if isConfirmToken(msg) {
		return "", "", false, &PreconditionError{Step: next.CurrentStep, Reason: "nothing to confirm before an objective is set"}
	}
	if pairs, ok := parseAssignments(msg); ok && len(pairs) > 0 {
		return "", "", false, &PreconditionError{Step: next.CurrentStep, Reason: "field assignments come after the objective"}
	}

	next.Objective = msg
	next.CurrentStep = models.StepCollectAssignments
	next.MissingFields = []string{FieldProfileName, FieldAcceptTerms, FieldGatewayAuthKey}

	assistant = fmt.Sprintf(
		"Objective recorded: %q. Now provide the remaining required fields as comma-separated key=value pairs: %s.",
		msg, strings.Join(next.MissingFields, ", "))
	return assistant, msg, true, nil
}

func applyAssignments(next *models.OnboardingState, msg string) (assistant, transcript string, advanced bool, err error) {
	if isConfirmToken(msg) {
		return "", "", false, &PreconditionError{
			Step:   next.CurrentStep,
			Reason: fmt.Sprintf("cannot confirm while required fields remain: %s", strings.Join(next.MissingFields, ", ")),
		}
	}
	pairs, ok := parseAssignments(msg)
	if !ok || len(pairs) == 0 {
		return "", "", false, &PreconditionError{Step: next.CurrentStep, Reason: "expected comma-separated key=value assignments"}
	}

	var notes, ignored []string
	recognized := 0
	for _, p := range pairs {
		switch p.key {
		case FieldProfileName:
			recognized++
			if p.value == "" {
				notes = append(notes, "profile_name must be non-empty")
				continue
			}
			next.MissingFields = removeField(next.MissingFields, FieldProfileName)
		case FieldAcceptTerms:
			recognized++
			if !strings.EqualFold(p.value, "true") {
				notes = append(notes, "accept_terms must be set to true")
				continue
			}
			next.MissingFields = removeField(next.MissingFields, FieldAcceptTerms)
		case FieldGatewayAuthKey:
			recognized++
			if p.value == "" {
				notes = append(notes, "gateway_auth_key must be non-empty")
				continue
			}
			next.MissingFields = removeField(next.MissingFields, FieldGatewayAuthKey)
		default:
			ignored = append(ignored, p.key)
		}
	}
	if recognized == 0 {
		return "", "", false, &PreconditionError{
			Step:   next.CurrentStep,
			Reason: fmt.Sprintf("no recognized fields; still required: %s", strings.Join(next.MissingFields, ", ")),
		}
	}

	if len(ignored) > 0 {
		notes = append(notes, fmt.Sprintf("ignored unknown fields: %s", strings.Join(ignored, ", ")))
	}

	if len(next.MissingFields) == 0 {
		next.CurrentStep = models.StepConfirmAndSign
		assistant = fmt.Sprintf("All required fields are set. Reply %q to lock the plan.", TokenConfirmPlan)
		if len(notes) > 0 {
			assistant += " (" + strings.Join(notes, "; ") + ")"
		}
		return assistant, sanitizePairs(pairs), true, nil
	}

	assistant = fmt.Sprintf("Still required: %s.", strings.Join(next.MissingFields, ", "))
	if len(notes) > 0 {
		assistant += " " + strings.Join(notes, "; ") + "."
	}
	return assistant, sanitizePairs(pairs), false, nil
}

func applyConfirmPlan(next *models.OnboardingState, msg string) (assistant, transcript string, advanced bool, err error) {
	if !strings.EqualFold(msg, TokenConfirmPlan) {
		return "", "", false, &PreconditionError{
			Step:   next.CurrentStep,
			Reason: fmt.Sprintf("awaiting the literal %q", TokenConfirmPlan),
		}
	}

	next.CurrentStep = models.StepReadyToSign
	next.Step4Payload = &models.Step4Payload{
		ReadyToSign:              true,
		ConfirmationRequired:     false,
		UnresolvedRequiredFields: []string{},
		SignatureAction:          models.SignatureActionPersonalSign,
	}

	assistant = "Plan locked. Sign your challenge message with the session wallet (EIP-191 personal_sign) and submit the signature to /verify."
	return assistant, msg, true, nil
}

func applyConfirmSign(next *models.OnboardingState, msg string) (assistant, transcript string, advanced bool, err error) {
	if !strings.EqualFold(msg, TokenConfirmSign) {
		return "", "", false, &PreconditionError{
			Step:   next.CurrentStep,
			Reason: fmt.Sprintf("onboarding is complete; reply %q once the challenge is signed", TokenConfirmSign),
		}
	}

	// Idempotent: repeating the confirmation keeps completed=true.
	next.Completed = true
	return "Signature confirmation recorded.", msg, false, nil
}

type assignment struct {
	key   string
	value string
}

// parseAssignments splits a comma-separated key=value turn. Malformed
// segments are dropped; ok is false when no segment parses.
func parseAssignments(msg string) ([]assignment, bool) {
	if !strings.Contains(msg, "=") {
		return nil, false
	}
	var pairs []assignment
	for _, part := range strings.Split(msg, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if key == "" {
			continue
		}
		pairs = append(pairs, assignment{key: key, value: strings.TrimSpace(kv[1])})
	}
	return pairs, len(pairs) > 0
}

// sanitizePairs rebuilds the user turn for the transcript with secret
// values masked.
func sanitizePairs(pairs []assignment) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		value := p.value
		if p.key == FieldGatewayAuthKey && value != "" {
			value = AuthKeyPlaceholder
		}
		parts = append(parts, p.key+"="+value)
	}
	return strings.Join(parts, ", ")
}

func removeField(fields []string, field string) []string {
	out := fields[:0]
	for _, f := range fields {
		if f != field {
			out = append(out, f)
		}
	}
	return out
}

func isConfirmToken(msg string) bool {
	return strings.EqualFold(msg, TokenConfirmPlan) || strings.EqualFold(msg, TokenConfirmSign)
}
