package events

import (
	"github.com/enclagent/gateway/pkg/models"
)

// ResponsePayload is the payload for response events on chat_events.
// Published for each assistant turn of the onboarding conversation.
type ResponsePayload struct {
	Type      string                `json:"type"`       // always EventResponse
	SessionID string                `json:"session_id"` // owning session
	Seq       uint64                `json:"seq"`        // monotone per channel
	Message   string                `json:"message"`    // assistant text
	Step      models.OnboardingStep `json:"step"`       // step after this turn
	Completed bool                  `json:"completed"`  // conversation fully confirmed
	Timestamp string                `json:"timestamp"`  // RFC3339Nano
}

// StatusPayload is the payload for status events on job_events.
// Published when a session transitions between lifecycle states.
type StatusPayload struct {
	Type         string               `json:"type"`                    // always EventStatus
	SessionID    string               `json:"session_id"`              // session UUID
	Seq          uint64               `json:"seq"`                     // monotone per channel
	Status       models.SessionStatus `json:"status"`                  // pending_signature, provisioning, ready, failed, expired
	RuntimeState models.RuntimeState  `json:"runtime_state,omitempty"` // sub-state once ready
	Detail       string               `json:"detail,omitempty"`
	Timestamp    string               `json:"timestamp"` // RFC3339Nano
}

// LogPayload is the payload for log events on log_events.
// One per provisioner output line, already masked by the publisher's caller.
type LogPayload struct {
	Type      string `json:"type"`       // always EventLog
	SessionID string `json:"session_id"` // session UUID
	Seq       uint64 `json:"seq"`        // monotone per channel
	Stream    string `json:"stream"`     // "stdout" or "stderr"
	Line      string `json:"line"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// JobStatusPayload is the payload for job_started and job_status events on
// job_events. Used for provisioning progress and runtime control actions.
type JobStatusPayload struct {
	Type      string `json:"type"`       // EventJobStarted or EventJobStatus
	SessionID string `json:"session_id"` // session UUID
	Seq       uint64 `json:"seq"`        // monotone per channel
	Job       string `json:"job"`        // "provisioning", "pause", "resume", ...
	Status    string `json:"status"`     // started, succeeded, failed, applied
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// ErrorPayload is the payload for error events on chat_events.
type ErrorPayload struct {
	Type      string `json:"type"`       // always EventError
	SessionID string `json:"session_id"` // session UUID
	Seq       uint64 `json:"seq"`        // monotone per channel
	ErrorCode string `json:"error_code"` // taxonomy code
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// LaggedPayload is the payload for the synthetic lagged event a subscriber
// emits after its ring overflowed. It is generated at read time and carries
// no seq: the gap it describes is exactly the missing seq range.
type LaggedPayload struct {
	Type         string `json:"type"` // always EventLagged
	Channel      string `json:"channel"`
	DroppedCount uint64 `json:"dropped_count"`
	Timestamp    string `json:"timestamp"` // RFC3339Nano
}
