package models

import "time"

// OnboardingStep identifies the current step of the four-step onboarding
// conversation.
type OnboardingStep string

const (
	// StepCollectObjective waits for a non-empty objective statement.
	StepCollectObjective OnboardingStep = "collect_objective"
	// StepCollectAssignments waits for key=value assignments of the required fields.
	StepCollectAssignments OnboardingStep = "collect_assignments"
	// StepConfirmAndSign waits for the literal token "confirm plan".
	StepConfirmAndSign OnboardingStep = "confirm_and_sign"
	// StepReadyToSign is terminal; a subsequent "confirm sign" flips completed.
	StepReadyToSign OnboardingStep = "ready_to_sign"
)

// IsValid checks if the onboarding step is a known value.
func (s OnboardingStep) IsValid() bool {
	switch s {
	case StepCollectObjective, StepCollectAssignments, StepConfirmAndSign, StepReadyToSign:
		return true
	default:
		return false
	}
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptEntry is one turn of the onboarding conversation.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Step4Payload is emitted once onboarding reaches ready_to_sign.
type Step4Payload struct {
	ReadyToSign              bool     `json:"ready_to_sign"`
	ConfirmationRequired     bool     `json:"confirmation_required"`
	UnresolvedRequiredFields []string `json:"unresolved_required_fields"`
	SignatureAction          string   `json:"signature_action"`
}

// SignatureActionPersonalSign is the signature_action value of the terminal
// step-4 payload.
const SignatureActionPersonalSign = "produce_eip191_personal_sign"

// OnboardingState is the per-session conversation state, persisted as one
// JSON document and destroyed with its session.
type OnboardingState struct {
	SessionID     string            `json:"session_id"`
	CurrentStep   OnboardingStep    `json:"current_step"`
	Completed     bool              `json:"completed"`
	Objective     string            `json:"objective,omitempty"`
	MissingFields []string          `json:"missing_fields"`
	Step4Payload  *Step4Payload     `json:"step4_payload,omitempty"`
	Transcript    []TranscriptEntry `json:"transcript"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (o *OnboardingState) Clone() *OnboardingState {
	if o == nil {
		return nil
	}
	cp := *o
	if o.MissingFields != nil {
		cp.MissingFields = make([]string, len(o.MissingFields))
		copy(cp.MissingFields, o.MissingFields)
	}
	if o.Transcript != nil {
		cp.Transcript = make([]TranscriptEntry, len(o.Transcript))
		copy(cp.Transcript, o.Transcript)
	}
	if o.Step4Payload != nil {
		p := *o.Step4Payload
		if o.Step4Payload.UnresolvedRequiredFields != nil {
			p.UnresolvedRequiredFields = make([]string, len(o.Step4Payload.UnresolvedRequiredFields))
			copy(p.UnresolvedRequiredFields, o.Step4Payload.UnresolvedRequiredFields)
		}
		cp.Step4Payload = &p
	}
	return &cp
}
