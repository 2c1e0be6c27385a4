// Package events provides real-time event delivery to browser clients over
// SSE and WebSocket. Delivery is in-process: publishers route messages
// through a bounded-queue bus, one ring buffer per subscriber, and slow
// consumers lose oldest-first rather than ever blocking a publisher.
//
// Channels are per-session and per-concern:
//
//	chat_events:{session_id}  onboarding conversation turns
//	log_events:{session_id}   provisioner stdout/stderr lines
//	job_events:{session_id}   status transitions and job progress
//
// Nothing persists across restarts; clients reconcile through the REST
// surfaces after a reconnect.
package events

// Event names carried on the SSE `event:` field and in payload `type`
// fields. The vocabulary is shared with the runtime side; the gateway
// itself emits response, status, log, job_started, job_status, error and
// the synthetic lagged.
const (
	EventResponse       = "response"
	EventThinking       = "thinking"
	EventToolStarted    = "tool_started"
	EventToolCompleted  = "tool_completed"
	EventStreamChunk    = "stream_chunk"
	EventStatus         = "status"
	EventJobStarted     = "job_started"
	EventApprovalNeeded = "approval_needed"
	EventAuthRequired   = "auth_required"
	EventAuthCompleted  = "auth_completed"
	EventError          = "error"
	EventJobMessage     = "job_message"
	EventJobToolUse     = "job_tool_use"
	EventJobToolResult  = "job_tool_result"
	EventJobStatus      = "job_status"
	EventJobResult      = "job_result"
	EventLog            = "log"

	// EventLagged is synthesized by a subscriber whose ring overflowed.
	EventLagged = "lagged"
)

// ChatChannel returns the channel name for a session's onboarding chat events.
func ChatChannel(sessionID string) string {
	return "chat_events:" + sessionID
}

// LogChannel returns the channel name for a session's provisioner log events.
func LogChannel(sessionID string) string {
	return "log_events:" + sessionID
}

// JobChannel returns the channel name for a session's job and status events.
func JobChannel(sessionID string) string {
	return "job_events:" + sessionID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // channel name (e.g. "chat_events:abc-123")
}
