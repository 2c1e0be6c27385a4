package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/services"
)

// onboardingChatHandler handles POST /onboarding/chat: one user turn of the
// scripted configuration conversation.
func (s *Server) onboardingChatHandler(c *echo.Context) error {
	var req OnboardingChatRequest
	if err := c.Bind(&req); err != nil {
		return services.NewFlowError(services.CodeInvalidSessionID, "request body must be valid JSON")
	}
	if req.SessionID == "" {
		return services.NewFlowError(services.CodeInvalidSessionID, "session_id is required")
	}

	result, err := s.onboarding.Chat(c.Request().Context(), req.SessionID, req.Message)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &OnboardingChatResponse{
		SessionID:        req.SessionID,
		AssistantMessage: result.Assistant,
		State:            result.State,
	})
}

// onboardingStateHandler handles GET /onboarding/state?session_id.
func (s *Server) onboardingStateHandler(c *echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return services.NewFlowError(services.CodeInvalidSessionID, "session_id is required")
	}

	state, err := s.onboarding.State(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, state)
}
