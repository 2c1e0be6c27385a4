package api

import (
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/services"
)

// chatEventsHandler handles SSE GET /chat/events?session_id.
func (s *Server) chatEventsHandler(c *echo.Context) error {
	return s.streamChannel(c, events.ChatChannel)
}

// logEventsHandler handles SSE GET /logs/events?session_id.
func (s *Server) logEventsHandler(c *echo.Context) error {
	return s.streamChannel(c, events.LogChannel)
}

// jobEventsHandler handles SSE GET /jobs/events?session_id.
func (s *Server) jobEventsHandler(c *echo.Context) error {
	return s.streamChannel(c, events.JobChannel)
}

// streamChannel subscribes to one session channel and relays bus messages
// as SSE frames until the client disconnects. A slow consumer receives a
// synthetic lagged event instead of stalling publishers.
func (s *Server) streamChannel(c *echo.Context, channel func(string) string) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return services.NewFlowError(services.CodeInvalidSessionID, "session_id is required")
	}
	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return err
	}

	sub := s.bus.Subscribe(channel(sessionID))
	defer sub.Close()

	w, err := echo.UnwrapResponse(c.Response())
	if err != nil {
		return err
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// Client gone or bus shutting down; either way the stream ends.
			return nil
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data); err != nil {
			return nil
		}
		w.Flush()
	}
}
