// Package e2e provides end-to-end test infrastructure for the gateway: a
// fully wired instance over a temp database, served on a real port, with a
// scriptable external provisioner.
package e2e

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/api"
	"github.com/enclagent/gateway/pkg/cleanup"
	"github.com/enclagent/gateway/pkg/config"
	"github.com/enclagent/gateway/pkg/database"
	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/masking"
	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/policy"
	"github.com/enclagent/gateway/pkg/provision"
	"github.com/enclagent/gateway/pkg/services"
)

// TestApp boots a complete gateway instance for e2e testing.
type TestApp struct {
	Config   *config.Config
	DBClient *database.Client

	Sessions  *services.SessionService
	Timeline  *services.TimelineService
	Control   *services.ControlService
	Launch    *services.LaunchService
	Bus       *events.Bus
	Publisher *events.Publisher
	Server    *api.Server

	// BaseURL is e.g. "http://127.0.0.1:54321"; WSURL the ws:// equivalent.
	BaseURL string
	WSURL   string

	t *testing.T
}

// TestAppOption mutates the config before the app is wired.
type TestAppOption func(*config.Config)

// WithCommandBackend points provisioning at an external command.
func WithCommandBackend(command string) TestAppOption {
	return func(cfg *config.Config) {
		cfg.ProvisioningBackend = models.ProvisioningCommand
		cfg.ProvisioningCommand = command
	}
}

// WithDefaultInstanceURL switches provisioning to the fixed-endpoint mode.
func WithDefaultInstanceURL(url string) TestAppOption {
	return func(cfg *config.Config) {
		cfg.ProvisioningBackend = models.ProvisioningDefaultInstanceURL
		cfg.DefaultInstanceURL = url
	}
}

// WithChallengeTTL overrides the challenge window.
func WithChallengeTTL(d time.Duration) TestAppOption {
	return func(cfg *config.Config) { cfg.ChallengeTTL = d }
}

// WithSSEQueueCapacity overrides the per-subscriber queue bound.
func WithSSEQueueCapacity(n int) TestAppOption {
	return func(cfg *config.Config) { cfg.SSEQueueCapacity = n }
}

// WithConfig applies an arbitrary config mutation.
func WithConfig(mutate func(*config.Config)) TestAppOption {
	return func(cfg *config.Config) { mutate(cfg) }
}

// NewTestApp creates and starts a full gateway test instance. Shutdown is
// registered via t.Cleanup automatically. The default configuration uses the
// command backend with a provisioner that succeeds immediately.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := &config.Config{
		Addr:                               ":0",
		FrontdoorEnabled:                   true,
		ProvisioningBackend:                models.ProvisioningCommand,
		ProvisioningCommand:                SuccessProvisioner(t),
		ProvisioningTimeout:                10 * time.Second,
		SessionTTL:                         24 * time.Hour,
		ChallengeTTL:                       10 * time.Minute,
		ExpirySweepInterval:                50 * time.Millisecond,
		SSEQueueCapacity:                   32,
		PollInterval:                       4 * time.Second,
		VerificationDefaultBackend:         models.VerificationEigencloudPrimary,
		VerificationDefaultFallbackEnabled: true,
		ChallengeRatePerMinute:             1000,
		MaxConcurrentProvisions:            2,
		RetentionDays:                      7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// 1. Store.
	dbClient := database.NewTestClient(t)

	// 2. Event fan-out.
	bus := events.NewBus(cfg.SSEQueueCapacity)
	publisher := events.NewPublisher(bus)
	connManager := events.NewConnectionManager(bus, 5*time.Second)

	// 3. Domain services.
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
	require.NoError(t, err)

	// 4. Provisioning dispatcher (command backend only).
	var dispatcher *provision.Dispatcher
	if cfg.ProvisioningBackend == models.ProvisioningCommand {
		handler := services.NewCommandProvisioner(cfg.ProvisioningCommand, maskingService, timeline, publisher)
		dispatcher = provision.NewDispatcher(handler, cfg.MaxConcurrentProvisions, cfg.ProvisioningTimeout)
	}

	// 5. Launch pipeline and sweeper.
	launch := services.NewLaunchService(sessions, timeline, onboarding, publisher, dispatcher, services.LaunchSettings{
		RequirePrivy:       cfg.RequirePrivy,
		DefaultInstanceURL: cfg.DefaultInstanceURL,
	})
	sweeper := cleanup.NewService(cfg, sessions, timeline, launch, publisher, warnings)
	sweeper.Start(context.Background())

	// 6. HTTP server on a real port.
	server := api.NewServer(cfg, dbClient, sessions, timeline, onboarding, control, launch, library, bus, connManager)
	if dispatcher != nil {
		server.SetDispatcher(dispatcher)
	}
	server.SetWarningsService(warnings)

	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		if dispatcher != nil {
			dispatcher.Stop()
		}
		sweeper.Stop()
		bus.Shutdown()
		// The store is closed by NewTestClient's own cleanup.
	})

	return &TestApp{
		Config:    cfg,
		DBClient:  dbClient,
		Sessions:  sessions,
		Timeline:  timeline,
		Control:   control,
		Launch:    launch,
		Bus:       bus,
		Publisher: publisher,
		Server:    server,
		BaseURL:   ts.URL,
		WSURL:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		t:         t,
	}
}

// SuccessProvisioner writes a provisioner script that logs one line and
// emits a dedicated-instance result, and returns its path.
func SuccessProvisioner(t *testing.T) string {
	return WriteProvisionerScript(t,
		`echo "booting enclave for $ENCLAGENT_SESSION_ID"`,
		`echo '{"instance_url":"https://i.example","eigen_app_id":"eigen-e2e","launched_on_eigencloud":true,"dedicated_instance":true}'`,
	)
}

// WriteProvisionerScript materializes a /bin/sh script under the test's temp
// directory and returns its path. The provisioner contract reads the last
// stdout line as the result document.
func WriteProvisionerScript(t *testing.T, lines ...string) string {
	t.Helper()

	script := "#!/bin/sh\n" + strings.Join(lines, "\n") + "\n"
	path := filepath.Join(t.TempDir(), "provision.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	if strings.ContainsAny(path, " \t") {
		t.Fatalf("provisioner path %q contains whitespace; the command line is split on spaces", path)
	}
	return path
}

// WaitForSessionStatus polls the store until the session reaches one of the
// expected statuses and returns the snapshot.
func (app *TestApp) WaitForSessionStatus(t *testing.T, sessionID string, expected ...models.SessionStatus) *models.Session {
	t.Helper()

	var sess *models.Session
	var last models.SessionStatus
	require.Eventually(t, func() bool {
		got, err := app.Sessions.Get(context.Background(), sessionID)
		if err != nil {
			return false
		}
		last = got.Status
		for _, want := range expected {
			if got.Status == want {
				sess = got
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond,
		"session %s never reached %v (last: %s)", sessionID, expected, last)
	return sess
}
