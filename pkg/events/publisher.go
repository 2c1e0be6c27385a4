package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/enclagent/gateway/pkg/models"
)

// Publisher routes typed payloads onto the bus. It owns the per-channel seq
// counters, so everything published through one Publisher carries a monotone
// seq per channel.
//
// Each public method accepts the variable fields of one payload from
// payloads.go. Type, seq and timestamp are filled in here.
type Publisher struct {
	bus *Bus

	mu  sync.Mutex
	seq map[string]uint64
}

// NewPublisher creates a publisher bound to bus.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{
		bus: bus,
		seq: make(map[string]uint64),
	}
}

// PublishResponse broadcasts an assistant turn on the session's chat channel.
func (p *Publisher) PublishResponse(sessionID, message string, step models.OnboardingStep, completed bool) error {
	channel := ChatChannel(sessionID)
	payload := ResponsePayload{
		Type:      EventResponse,
		SessionID: sessionID,
		Seq:       p.nextSeq(channel),
		Message:   message,
		Step:      step,
		Completed: completed,
		Timestamp: eventTimestamp(),
	}
	return p.publish(channel, EventResponse, payload)
}

// PublishStatus broadcasts a session lifecycle transition on the job channel.
func (p *Publisher) PublishStatus(sessionID string, status models.SessionStatus, runtimeState models.RuntimeState, detail string) error {
	channel := JobChannel(sessionID)
	payload := StatusPayload{
		Type:         EventStatus,
		SessionID:    sessionID,
		Seq:          p.nextSeq(channel),
		Status:       status,
		RuntimeState: runtimeState,
		Detail:       detail,
		Timestamp:    eventTimestamp(),
	}
	return p.publish(channel, EventStatus, payload)
}

// PublishLog broadcasts one provisioner output line on the log channel.
// Callers mask the line before publishing.
func (p *Publisher) PublishLog(sessionID, stream, line string) error {
	channel := LogChannel(sessionID)
	payload := LogPayload{
		Type:      EventLog,
		SessionID: sessionID,
		Seq:       p.nextSeq(channel),
		Stream:    stream,
		Line:      line,
		Timestamp: eventTimestamp(),
	}
	return p.publish(channel, EventLog, payload)
}

// PublishJobStarted broadcasts the start of a background job on the job channel.
func (p *Publisher) PublishJobStarted(sessionID, job string) error {
	channel := JobChannel(sessionID)
	payload := JobStatusPayload{
		Type:      EventJobStarted,
		SessionID: sessionID,
		Seq:       p.nextSeq(channel),
		Job:       job,
		Status:    "started",
		Timestamp: eventTimestamp(),
	}
	return p.publish(channel, EventJobStarted, payload)
}

// PublishJobStatus broadcasts job progress (provisioning outcome, control
// actions) on the job channel.
func (p *Publisher) PublishJobStatus(sessionID, job, status, detail string) error {
	channel := JobChannel(sessionID)
	payload := JobStatusPayload{
		Type:      EventJobStatus,
		SessionID: sessionID,
		Seq:       p.nextSeq(channel),
		Job:       job,
		Status:    status,
		Detail:    detail,
		Timestamp: eventTimestamp(),
	}
	return p.publish(channel, EventJobStatus, payload)
}

// PublishChatError broadcasts a taxonomy error on the session's chat channel.
func (p *Publisher) PublishChatError(sessionID, errorCode, message string) error {
	channel := ChatChannel(sessionID)
	payload := ErrorPayload{
		Type:      EventError,
		SessionID: sessionID,
		Seq:       p.nextSeq(channel),
		ErrorCode: errorCode,
		Message:   message,
		Timestamp: eventTimestamp(),
	}
	return p.publish(channel, EventError, payload)
}

func (p *Publisher) publish(channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	p.bus.Publish(channel, Message{Event: event, Data: data})
	return nil
}

// nextSeq returns the next monotone sequence number for a channel.
func (p *Publisher) nextSeq(channel string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq[channel]++
	return p.seq[channel]
}

func eventTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
