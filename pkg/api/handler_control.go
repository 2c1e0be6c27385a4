package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/services"
)

// runtimeControlHandler handles POST /session/:id/runtime-control. The
// control matrix is evaluated atomically against the session; blocked
// combinations surface runtime_control_blocked with the from_state.
func (s *Server) runtimeControlHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return services.NewFlowError(services.CodeInvalidSessionID, "session id is required")
	}

	var req RuntimeControlRequest
	if err := c.Bind(&req); err != nil {
		return services.NewFlowError(services.CodeInvalidSessionID, "request body must be valid JSON")
	}

	actor := extractActor(c)
	if actor == "api-client" && req.Actor != "" {
		actor = req.Actor
	}

	result, err := s.control.Apply(c.Request().Context(), sessionID, req.Action, actor)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &RuntimeControlResponse{
		SessionID:    result.SessionID,
		Action:       result.Action,
		Status:       "ok",
		RuntimeState: result.RuntimeState,
		Detail:       result.Detail,
		UpdatedAt:    result.UpdatedAt,
	})
}
