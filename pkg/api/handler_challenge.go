package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/services"
	"github.com/enclagent/gateway/pkg/wallet"
)

// challengeHandler handles POST /challenge. It binds a fresh
// pending_signature session to the wallet and returns the message the
// wallet must sign.
func (s *Server) challengeHandler(c *echo.Context) error {
	var req ChallengeRequest
	if err := c.Bind(&req); err != nil {
		return services.NewFlowError(services.CodeInvalidWalletAddress, "request body must be valid JSON")
	}

	normalized, err := wallet.NormalizeAddress(req.WalletAddress)
	if err != nil {
		return services.NewFlowError(services.CodeInvalidWalletAddress,
			"wallet_address must be a 0x-prefixed 40-hex address")
	}

	// Limit by normalized wallet so checksum variants share one bucket.
	if !s.challengeLimiter.allow(normalized) {
		return services.NewFlowError(services.CodeRateLimited,
			"challenge rate limit reached for wallet "+normalized)
	}

	sess, err := s.launch.Challenge(c.Request().Context(), normalized, req.PrivyUserID, req.ChainID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &ChallengeResponse{
		SessionID: sess.SessionID,
		Message:   sess.ChallengeMessage,
		Version:   sess.Version,
		ExpiresAt: sess.ChallengeExpiresAt,
	})
}
