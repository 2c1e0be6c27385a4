package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/models"
)

func nextPayload[T any](t *testing.T, sub *Subscriber) (Message, T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	var payload T
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	return msg, payload
}

func TestPublishResponseRoutesToChatChannel(t *testing.T) {
	bus := NewBus(16)
	pub := NewPublisher(bus)
	sub := bus.Subscribe(ChatChannel("s1"))
	defer sub.Close()

	require.NoError(t, pub.PublishResponse("s1", "objective recorded", models.StepCollectAssignments, false))

	msg, payload := nextPayload[ResponsePayload](t, sub)
	assert.Equal(t, EventResponse, msg.Event)
	assert.Equal(t, EventResponse, payload.Type)
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, "objective recorded", payload.Message)
	assert.Equal(t, models.StepCollectAssignments, payload.Step)
	assert.Equal(t, uint64(1), payload.Seq)
	_, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
	assert.NoError(t, err)
}

func TestPublishStatusRoutesToJobChannel(t *testing.T) {
	bus := NewBus(16)
	pub := NewPublisher(bus)
	sub := bus.Subscribe(JobChannel("s1"))
	defer sub.Close()

	require.NoError(t, pub.PublishStatus("s1", models.StatusReady, models.RuntimeRunning, "runtime live"))

	msg, payload := nextPayload[StatusPayload](t, sub)
	assert.Equal(t, EventStatus, msg.Event)
	assert.Equal(t, models.StatusReady, payload.Status)
	assert.Equal(t, models.RuntimeRunning, payload.RuntimeState)
	assert.Equal(t, "runtime live", payload.Detail)
}

func TestPublishLogCarriesStreamAndLine(t *testing.T) {
	bus := NewBus(16)
	pub := NewPublisher(bus)
	sub := bus.Subscribe(LogChannel("s1"))
	defer sub.Close()

	require.NoError(t, pub.PublishLog("s1", "stderr", "pulling image"))

	msg, payload := nextPayload[LogPayload](t, sub)
	assert.Equal(t, EventLog, msg.Event)
	assert.Equal(t, "stderr", payload.Stream)
	assert.Equal(t, "pulling image", payload.Line)
}

func TestPublishJobLifecycle(t *testing.T) {
	bus := NewBus(16)
	pub := NewPublisher(bus)
	sub := bus.Subscribe(JobChannel("s1"))
	defer sub.Close()

	require.NoError(t, pub.PublishJobStarted("s1", "provisioning"))
	require.NoError(t, pub.PublishJobStatus("s1", "provisioning", "succeeded", "instance ready"))

	msg, started := nextPayload[JobStatusPayload](t, sub)
	assert.Equal(t, EventJobStarted, msg.Event)
	assert.Equal(t, "provisioning", started.Job)
	assert.Equal(t, "started", started.Status)
	assert.Equal(t, uint64(1), started.Seq)

	msg, done := nextPayload[JobStatusPayload](t, sub)
	assert.Equal(t, EventJobStatus, msg.Event)
	assert.Equal(t, "succeeded", done.Status)
	assert.Equal(t, uint64(2), done.Seq, "seq is monotone per channel")
}

func TestPublishChatError(t *testing.T) {
	bus := NewBus(16)
	pub := NewPublisher(bus)
	sub := bus.Subscribe(ChatChannel("s1"))
	defer sub.Close()

	require.NoError(t, pub.PublishChatError("s1", "onboarding_precondition", "objective is required"))

	msg, payload := nextPayload[ErrorPayload](t, sub)
	assert.Equal(t, EventError, msg.Event)
	assert.Equal(t, "onboarding_precondition", payload.ErrorCode)
	assert.Equal(t, "objective is required", payload.Message)
}

func TestSeqIsPerChannel(t *testing.T) {
	bus := NewBus(16)
	pub := NewPublisher(bus)
	chat := bus.Subscribe(ChatChannel("s1"))
	jobs := bus.Subscribe(JobChannel("s1"))
	defer chat.Close()
	defer jobs.Close()

	require.NoError(t, pub.PublishResponse("s1", "a", models.StepCollectObjective, false))
	require.NoError(t, pub.PublishResponse("s1", "b", models.StepCollectObjective, false))
	require.NoError(t, pub.PublishJobStarted("s1", "provisioning"))

	_, first := nextPayload[ResponsePayload](t, chat)
	_, second := nextPayload[ResponsePayload](t, chat)
	_, job := nextPayload[JobStatusPayload](t, jobs)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, uint64(1), job.Seq, "job channel counts independently")
}
