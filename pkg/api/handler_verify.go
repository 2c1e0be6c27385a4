package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/services"
)

// verifyHandler handles POST /verify: signature check, policy validation,
// funding preflight, and the provisioning hand-off. Repeats are idempotent;
// the launch service replays settled outcomes.
func (s *Server) verifyHandler(c *echo.Context) error {
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return services.NewFlowError(services.CodeInvalidSessionID, "request body must be valid JSON")
	}

	result, err := s.launch.Verify(c.Request().Context(), services.VerifyInput{
		SessionID:          req.SessionID,
		WalletAddress:      req.WalletAddress,
		Signature:          req.Signature,
		Message:            req.Message,
		Config:             req.Config,
		PrivyIdentityToken: req.PrivyIdentityToken,
		PrivyAccessToken:   req.PrivyAccessToken,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
