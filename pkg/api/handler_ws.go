package api

import (
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/services"
)

// wsEventsHandler handles GET /ws/events?session_id&channels=. It mirrors
// the three SSE channels over one WebSocket; clients may also subscribe and
// unsubscribe after connecting.
func (s *Server) wsEventsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return services.NewFlowError(services.CodeInternalError, "WebSocket not available")
	}

	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return services.NewFlowError(services.CodeInvalidSessionID, "session_id is required")
	}
	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return err
	}

	allowed := []string{
		events.ChatChannel(sessionID),
		events.LogChannel(sessionID),
		events.JobChannel(sessionID),
	}

	// channels= selects the initial subscriptions; default is all three.
	initial := allowed
	if raw := c.QueryParam("channels"); raw != "" {
		initial = nil
		for _, name := range strings.Split(raw, ",") {
			switch strings.TrimSpace(name) {
			case "chat":
				initial = append(initial, events.ChatChannel(sessionID))
			case "logs":
				initial = append(initial, events.LogChannel(sessionID))
			case "jobs":
				initial = append(initial, events.JobChannel(sessionID))
			default:
				return services.NewFlowError(services.CodeInvalidSessionID,
					"channels must be a comma-separated subset of chat, logs, jobs")
			}
		}
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The gateway sits behind the deployment's ingress; origin policy
		// is enforced there.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn, allowed, initial)
	return nil
}
