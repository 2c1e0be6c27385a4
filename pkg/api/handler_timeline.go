package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/services"
)

// getTimelineHandler handles GET /session/:id/timeline. Events come back in
// seq order; the timeline is server-authoritative.
func (s *Server) getTimelineHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return services.NewFlowError(services.CodeInvalidSessionID, "session id is required")
	}

	ctx := c.Request().Context()
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return err
	}

	events, err := s.timeline.List(ctx, sessionID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &TimelineResponse{SessionID: sessionID, Events: events})
}
