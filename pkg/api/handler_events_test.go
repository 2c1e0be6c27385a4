package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/events"
)

// readFrame reads one SSE frame (event + data lines up to the blank line).
func readFrame(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			return event, data
		}
	}
}

func TestSSEStreams(t *testing.T) {
	g := newGateway(t)
	s := newSigner(t)
	sessionID, _ := g.challengeFor(t, s)

	ts := httptest.NewServer(g.server.Handler())
	t.Cleanup(ts.Close)

	t.Run("relays job events in order", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/jobs/events?session_id="+sessionID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		// Headers are written after the subscription exists, so these
		// publishes cannot be missed.
		channel := events.JobChannel(sessionID)
		g.bus.Publish(channel, events.Message{Event: events.EventJobStarted, Data: []byte(`{"seq":1}`)})
		g.bus.Publish(channel, events.Message{Event: events.EventJobStatus, Data: []byte(`{"seq":2}`)})

		r := bufio.NewReader(resp.Body)
		event, data := readFrame(t, r)
		assert.Equal(t, events.EventJobStarted, event)
		assert.JSONEq(t, `{"seq":1}`, data)

		event, data = readFrame(t, r)
		assert.Equal(t, events.EventJobStatus, event)
		assert.JSONEq(t, `{"seq":2}`, data)
	})

	t.Run("requires a session id", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/chat/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/logs/events?session_id=missing")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("streams the launch lifecycle end to end", func(t *testing.T) {
		sig := newSigner(t)
		liveID, message := g.challengeFor(t, sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/jobs/events?session_id="+liveID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		rec := g.doJSON(t, http.MethodPost, "/verify", VerifyRequest{
			SessionID: liveID,
			Signature: sig.sign(t, message),
			Config:    validConfig(),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		// status(provisioning) then job_started, and eventually
		// job_status(succeeded) + status(ready).
		r := bufio.NewReader(resp.Body)
		var seen []string
		for len(seen) < 4 {
			event, data := readFrame(t, r)
			seen = append(seen, event)
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &payload))
			assert.Equal(t, liveID, payload["session_id"])
		}
		assert.Equal(t, events.EventStatus, seen[0])
		assert.Equal(t, events.EventJobStarted, seen[1])
		assert.Contains(t, seen[2:], events.EventStatus)
	})
}

func TestWSEvents(t *testing.T) {
	g := newGateway(t)
	s := newSigner(t)
	sessionID, _ := g.challengeFor(t, s)

	ts := httptest.NewServer(g.server.Handler())
	t.Cleanup(ts.Close)
	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1)

	t.Run("mirrors the session channels", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, wsURL+"/ws/events?session_id="+sessionID, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		channel := events.JobChannel(sessionID)
		require.Eventually(t, func() bool {
			return g.bus.SubscriberCount(channel) > 0
		}, 2*time.Second, 10*time.Millisecond, "connection never subscribed")

		g.bus.Publish(channel, events.Message{
			Event: events.EventStatus,
			Data:  []byte(`{"type":"status","session_id":"` + sessionID + `"}`),
		})

		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "status", payload["type"])
		assert.Equal(t, sessionID, payload["session_id"])
	})

	t.Run("channels filter restricts the initial subscriptions", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, wsURL+"/ws/events?session_id="+sessionID+"&channels=logs", nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		logChannel := events.LogChannel(sessionID)
		require.Eventually(t, func() bool {
			return g.bus.SubscriberCount(logChannel) > 0
		}, 2*time.Second, 10*time.Millisecond)

		// Chat traffic is not subscribed; only the log line arrives.
		g.bus.Publish(events.ChatChannel(sessionID), events.Message{
			Event: events.EventResponse,
			Data:  []byte(`{"type":"response"}`),
		})
		g.bus.Publish(logChannel, events.Message{
			Event: events.EventLog,
			Data:  []byte(`{"type":"log","line":"hello"}`),
		})

		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "log", payload["type"])
	})

	t.Run("rejects unknown channel names", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/ws/events?session_id=" + sessionID + "&channels=everything")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSSELaggedDelivery(t *testing.T) {
	// A subscriber that never drains gets a synthetic lagged event counting
	// the dropped messages, then the retained tail in order.
	g := newGateway(t)
	sessionID := "lag-session"
	channel := events.JobChannel(sessionID)

	sub := g.bus.Subscribe(channel)
	defer sub.Close()

	capacity := g.cfg.SSEQueueCapacity
	for i := 0; i < capacity+10; i++ {
		g.bus.Publish(channel, events.Message{
			Event: events.EventStatus,
			Data:  []byte(`{"n":` + strconv.Itoa(i) + `}`),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, events.EventLagged, msg.Event)

	var lag map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &lag))
	assert.Equal(t, float64(10), lag["dropped_count"])

	// The retained tail follows, oldest first.
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(first.Data, &payload))
	assert.Equal(t, float64(10), payload["n"])
}
