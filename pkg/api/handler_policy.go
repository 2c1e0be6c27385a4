package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/policy"
	"github.com/enclagent/gateway/pkg/services"
)

// suggestConfigHandler handles POST /suggest-config: synthesize a candidate
// policy config from a free-text intent. The result always passes Validate.
func (s *Server) suggestConfigHandler(c *echo.Context) error {
	var req SuggestConfigRequest
	if err := c.Bind(&req); err != nil {
		return services.NewFlowError(services.CodeInvalidWalletAddress, "request body must be valid JSON")
	}

	suggestion, err := policy.Suggest(s.library, policy.SuggestRequest{
		WalletAddress:  req.WalletAddress,
		Intent:         req.Intent,
		Domain:         req.Domain,
		GatewayAuthKey: req.GatewayAuthKey,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, suggestion)
}

// policyTemplatesHandler handles GET /policy-templates.
func (s *Server) policyTemplatesHandler(c *echo.Context) error {
	templates := s.library.All()
	if domain := c.QueryParam("domain"); domain != "" {
		templates = s.library.ByDomain(domain)
	}

	return c.JSON(http.StatusOK, &PolicyTemplatesResponse{
		GeneratedAt: s.library.GeneratedAt(),
		Templates:   templates,
	})
}

// configContractHandler handles GET /config-contract.
func (s *Server) configContractHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &ConfigContractResponse{
		CurrentConfigVersion: policy.CurrentConfigVersion,
		Defaults: ContractDefaults{
			ProfileDomain: policy.DefaultProfileDomain,
		},
	})
}
