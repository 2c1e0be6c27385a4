package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// bootstrapHandler handles GET /bootstrap: the client's first call, before
// any challenge. Privy identifiers are only disclosed when identity is
// enforced.
func (s *Server) bootstrapHandler(c *echo.Context) error {
	resp := &BootstrapResponse{
		Enabled:             s.cfg.FrontdoorEnabled,
		RequirePrivy:        s.cfg.RequirePrivy,
		ProvisioningBackend: string(s.cfg.ProvisioningBackend),
		PollIntervalMS:      s.cfg.PollInterval.Milliseconds(),
	}
	if s.cfg.RequirePrivy {
		resp.PrivyAppID = s.cfg.PrivyAppID
		resp.PrivyClientID = s.cfg.PrivyClientID
	}

	return c.JSON(http.StatusOK, resp)
}

// experienceManifestHandler handles GET /experience/manifest.
func (s *Server) experienceManifestHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &ExperienceManifestResponse{
		ManifestVersion: 1,
		Steps: []ExperienceStep{
			{
				ID:          "challenge",
				Title:       "Request a challenge",
				Description: "Bind a session to your wallet and receive the message to sign.",
				Endpoint:    "POST /challenge",
			},
			{
				ID:          "configure",
				Title:       "Assemble a policy config",
				Description: "Converse through onboarding or start from a suggested config.",
				Endpoint:    "POST /onboarding/chat",
			},
			{
				ID:          "sign",
				Title:       "Sign the challenge",
				Description: "personal_sign the challenge message with the session wallet.",
				Endpoint:    "",
			},
			{
				ID:          "verify",
				Title:       "Submit the authorization",
				Description: "Deliver signature and config; the gateway validates and provisions.",
				Endpoint:    "POST /verify",
			},
			{
				ID:          "observe",
				Title:       "Watch provisioning",
				Description: "Poll the session or stream job events until the runtime is ready.",
				Endpoint:    "GET /session/{id}",
			},
			{
				ID:          "control",
				Title:       "Operate the runtime",
				Description: "Pause, resume, terminate, or rotate the auth key.",
				Endpoint:    "POST /session/{id}/runtime-control",
			},
		},
	})
}
