package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/config"
	"github.com/enclagent/gateway/pkg/database"
	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/policy"
	"github.com/enclagent/gateway/pkg/provision"
	"github.com/enclagent/gateway/pkg/services"
)

// Server is the gateway's HTTP surface: challenge/verify, session reads,
// runtime control, onboarding, policy catalog, SSE and WebSocket event
// streams. Handlers return taxonomy errors; the errorEnvelope middleware
// renders them.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg         *config.Config
	dbClient    *database.Client
	sessions    *services.SessionService
	timeline    *services.TimelineService
	onboarding  *services.OnboardingService
	control     *services.ControlService
	launch      *services.LaunchService
	library     *policy.Library
	bus         *events.Bus
	connManager *events.ConnectionManager

	dispatcher *provision.Dispatcher
	warnings   *services.SystemWarningsService

	challengeLimiter *walletLimiter
}

// NewServer wires the HTTP surface. Optional collaborators (dispatcher,
// warnings) are attached through setters before Start.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	sessions *services.SessionService,
	timeline *services.TimelineService,
	onboarding *services.OnboardingService,
	control *services.ControlService,
	launch *services.LaunchService,
	library *policy.Library,
	bus *events.Bus,
	connManager *events.ConnectionManager,
) *Server {
	s := &Server{
		cfg:              cfg,
		dbClient:         dbClient,
		sessions:         sessions,
		timeline:         timeline,
		onboarding:       onboarding,
		control:          control,
		launch:           launch,
		library:          library,
		bus:              bus,
		connManager:      connManager,
		challengeLimiter: newWalletLimiter(cfg.ChallengeRatePerMinute),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(errorEnvelope())
	s.echo = e
	s.registerRoutes()

	return s
}

// SetDispatcher attaches the provisioning dispatcher for /health reporting.
func (s *Server) SetDispatcher(d *provision.Dispatcher) {
	s.dispatcher = d
}

// SetWarningsService attaches the system warnings service for /health reporting.
func (s *Server) SetWarningsService(w *services.SystemWarningsService) {
	s.warnings = w
}

func (s *Server) registerRoutes() {
	e := s.echo
	frontdoor := s.requireFrontdoor()
	privy := s.requirePrivyConfig()

	e.GET("/health", s.healthHandler)
	e.GET("/bootstrap", s.bootstrapHandler)
	e.GET("/config-contract", s.configContractHandler)
	e.GET("/experience/manifest", s.experienceManifestHandler)
	e.GET("/policy-templates", s.policyTemplatesHandler)
	e.POST("/suggest-config", s.suggestConfigHandler, frontdoor)

	e.POST("/challenge", s.challengeHandler, frontdoor, privy)
	e.POST("/verify", s.verifyHandler, frontdoor, privy)

	e.GET("/session/:id", s.getSessionHandler)
	e.GET("/sessions", s.listSessionsHandler)
	e.GET("/session/:id/timeline", s.getTimelineHandler)
	e.GET("/session/:id/verification-explanation", s.verificationExplanationHandler)
	e.GET("/session/:id/gateway-todos", s.gatewayTodosHandler)
	e.GET("/session/:id/funding-preflight", s.fundingPreflightHandler)
	e.POST("/session/:id/runtime-control", s.runtimeControlHandler, frontdoor)

	e.POST("/onboarding/chat", s.onboardingChatHandler, frontdoor)
	e.GET("/onboarding/state", s.onboardingStateHandler)

	e.GET("/chat/events", s.chatEventsHandler)
	e.GET("/logs/events", s.logEventsHandler)
	e.GET("/jobs/events", s.jobEventsHandler)
	e.GET("/ws/events", s.wsEventsHandler)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins serving on addr and blocks until the listener fails or the
// server is shut down.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
