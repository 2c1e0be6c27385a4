package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/services"
	"github.com/enclagent/gateway/pkg/wallet"
)

// getSessionHandler handles GET /session/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return services.NewFlowError(services.CodeInvalidSessionID, "session id is required")
	}

	sess, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, sess)
}

// listSessionsHandler handles GET /sessions?wallet_address&limit.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	normalized, err := wallet.NormalizeAddress(c.QueryParam("wallet_address"))
	if err != nil {
		return services.NewFlowError(services.CodeInvalidWalletAddress,
			"wallet_address must be a 0x-prefixed 40-hex address")
	}

	// Non-numeric limits fall back to the default; the store clamps range.
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	sessions, total, err := s.sessions.ListForWallet(c.Request().Context(), normalized, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &SessionListResponse{Sessions: sessions, Total: total})
}

// verificationExplanationHandler handles GET /session/:id/verification-explanation.
func (s *Server) verificationExplanationHandler(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, services.ExplainVerification(sess))
}

// gatewayTodosHandler handles GET /session/:id/gateway-todos.
func (s *Server) gatewayTodosHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	obState, err := s.onboarding.State(ctx, sess.SessionID)
	if err != nil {
		return err
	}

	todos := services.DeriveTodos(sess, obState)
	openRequired, openRecommended := services.TodoCounts(todos)

	return c.JSON(http.StatusOK, &TodosResponse{
		SessionID:                sess.SessionID,
		Todos:                    todos,
		TodoOpenRequiredCount:    openRequired,
		TodoOpenRecommendedCount: openRecommended,
		TodoStatusSummary:        services.TodoSummary(todos),
	})
}

// fundingPreflightHandler handles GET /session/:id/funding-preflight.
func (s *Server) fundingPreflightHandler(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &FundingPreflightResponse{
		SessionID:       sess.SessionID,
		Status:          sess.FundingPreflightStatus,
		FailureCategory: sess.FundingPreflightFailureCategory,
		Checks:          sess.FundingPreflightChecks,
		UpdatedAt:       sess.UpdatedAt,
	})
}
