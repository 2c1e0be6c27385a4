// Gateway control plane: serves the wallet-authorization HTTP API, runs the
// provisioning dispatcher, and sweeps expired sessions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/enclagent/gateway/pkg/api"
	"github.com/enclagent/gateway/pkg/cleanup"
	"github.com/enclagent/gateway/pkg/config"
	"github.com/enclagent/gateway/pkg/database"
	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/masking"
	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/policy"
	"github.com/enclagent/gateway/pkg/preflight"
	"github.com/enclagent/gateway/pkg/provision"
	"github.com/enclagent/gateway/pkg/services"
	"github.com/enclagent/gateway/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file",
		getEnv("GATEWAY_ENV_FILE", ".env"),
		"Path to an optional .env file")
	flag.Parse()

	// Load .env before config so both sources feed the same environment.
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	slog.Info("Starting gateway", "version", version.Full())

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the session store and apply migrations
	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.DatabasePath))
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Session store ready", "path", dbClient.Path())

	// 3. Event fan-out
	bus := events.NewBus(cfg.SSEQueueCapacity)
	publisher := events.NewPublisher(bus)
	connManager := events.NewConnectionManager(bus, 10*time.Second)

	// 4. Domain services
	maskingService := masking.NewService()
	sessions := services.NewSessionService(dbClient.DB(), services.SessionDefaults{
		ChallengeTTL:                cfg.ChallengeTTL,
		SessionTTL:                  cfg.SessionTTL,
		VerificationBackend:         cfg.VerificationDefaultBackend,
		VerificationFallbackEnabled: cfg.VerificationDefaultFallbackEnabled,
		ProvisioningSource:          cfg.ProvisioningBackend,
	})
	timeline := services.NewTimelineService(dbClient.DB())
	onboarding := services.NewOnboardingService(dbClient.DB(), sessions, timeline, publisher)
	control := services.NewControlService(sessions, timeline, publisher)
	warnings := services.NewSystemWarningsService()

	library, err := policy.NewLibrary(cfg.TemplatesPath)
	if err != nil {
		slog.Error("Failed to load policy templates", "path", cfg.TemplatesPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Services initialized", "policy_templates", len(library.All()))

	// 5. Provisioning dispatcher (command backend only)
	var dispatcher *provision.Dispatcher
	if cfg.ProvisioningBackend == models.ProvisioningCommand {
		handler := services.NewCommandProvisioner(cfg.ProvisioningCommand, maskingService, timeline, publisher)
		dispatcher = provision.NewDispatcher(handler, cfg.MaxConcurrentProvisions, cfg.ProvisioningTimeout)
		slog.Info("Provisioning dispatcher ready",
			"max_concurrent", cfg.MaxConcurrentProvisions,
			"timeout", cfg.ProvisioningTimeout)
	}

	// 6. Launch pipeline
	var prober preflight.Prober
	if cfg.EigencloudStatusURL != "" {
		prober = preflight.NewHTTPProber(cfg.EigencloudStatusURL, 5*time.Second)
	}
	launch := services.NewLaunchService(sessions, timeline, onboarding, publisher, dispatcher, services.LaunchSettings{
		RequirePrivy:       cfg.RequirePrivy,
		DefaultInstanceURL: cfg.DefaultInstanceURL,
		Prober:             prober,
	})

	// 7. Expiry sweeper and retention purge
	sweeper := cleanup.NewService(cfg, sessions, timeline, launch, publisher, warnings)
	sweeper.Start(ctx)

	// 8. HTTP server
	server := api.NewServer(cfg, dbClient, sessions, timeline, onboarding, control, launch, library, bus, connManager)
	if dispatcher != nil {
		server.SetDispatcher(dispatcher)
	}
	server.SetWarningsService(warnings)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr)
		if err := server.Start(cfg.Addr); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Gateway started",
		"frontdoor_enabled", cfg.FrontdoorEnabled,
		"provisioning_backend", cfg.ProvisioningBackend)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain HTTP, stop the dispatcher (cancels
	// in-flight provisions), stop the sweeper, close the bus. The deferred
	// close releases the store last.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if dispatcher != nil {
		dispatcher.Stop()
	}
	sweeper.Stop()
	bus.Shutdown()

	slog.Info("Shutdown complete")
}
