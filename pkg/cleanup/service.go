// Package cleanup runs the gateway's background hygiene loops: the expiry
// sweeper and the retention purge.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/enclagent/gateway/pkg/config"
	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/services"
)

// purgeInterval is the cadence of the retention purge. Expiry needs to run
// every few seconds to keep challenge windows honest; deleting week-old
// terminal sessions does not.
const purgeInterval = time.Hour

// sweepTimeout bounds one sweep pass so a wedged store cannot stall the loop.
const sweepTimeout = 30 * time.Second

// Warning component ids, one per sweep phase.
const (
	expiryComponent = "expiry"
	purgeComponent  = "retention"
)

// Service periodically settles overdue sessions and enforces retention:
//   - pending sessions whose challenge window lapsed, and pending or
//     provisioning sessions past the session TTL, move to expired with the
//     matching timeline entry and status event
//   - failed and expired sessions older than the retention window are deleted
//
// Every pass is idempotent; racing a concurrent verify or control action is
// harmless because the store's version guard settles each session once.
type Service struct {
	cfg       *config.Config
	sessions  *services.SessionService
	timeline  *services.TimelineService
	launch    *services.LaunchService
	publisher *events.Publisher
	warnings  *services.SystemWarningsService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. warnings may be nil.
func NewService(
	cfg *config.Config,
	sessions *services.SessionService,
	timeline *services.TimelineService,
	launch *services.LaunchService,
	publisher *events.Publisher,
	warnings *services.SystemWarningsService,
) *Service {
	return &Service{
		cfg:       cfg,
		sessions:  sessions,
		timeline:  timeline,
		launch:    launch,
		publisher: publisher,
		warnings:  warnings,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"sweep_interval", s.cfg.ExpirySweepInterval,
		"retention_days", s.cfg.RetentionDays)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweepExpired()
	s.purgeTerminal()

	sweep := time.NewTicker(s.cfg.ExpirySweepInterval)
	defer sweep.Stop()
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.sweepExpired()
		case <-purge.C:
			s.purgeTerminal()
		}
	}
}

// sweepExpired settles every due session. The pass runs on its own bounded
// context so shutdown never truncates a half-committed transition.
func (s *Service) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	expired, err := s.sessions.ExpireDue(ctx, time.Now())
	if err != nil {
		slog.Error("Expiry sweep failed", "error", err)
		if s.warnings != nil {
			s.warnings.AddWarning(services.WarningCategorySweeper,
				"expiry sweep failed", err.Error(), expiryComponent)
		}
		return
	}
	if s.warnings != nil {
		s.warnings.ClearByComponentID(services.WarningCategorySweeper, expiryComponent)
	}

	for _, sess := range expired {
		s.settleExpired(ctx, sess)
	}
	if len(expired) > 0 {
		slog.Info("Expiry sweep settled sessions", "count", len(expired))
	}
}

// settleExpired emits the side effects of one expiry: cancelling any
// in-flight provisioning run, the timeline entry, and the status event.
func (s *Service) settleExpired(ctx context.Context, sess *models.Session) {
	eventType := models.EventChallengeExpired
	detail := "challenge window lapsed before verification"
	if sess.Error == "provisioning expired" {
		eventType = models.EventProvisioningFailed
		detail = "provisioning exceeded the session deadline"
		if s.launch.CancelProvisioning(sess.SessionID) {
			slog.Info("Cancelled lapsed provisioning run", "session_id", sess.SessionID)
		}
	}

	if _, err := s.timeline.Append(ctx, sess.SessionID, eventType,
		models.TimelineFailed, detail, models.ActorGateway); err != nil {
		slog.Warn("Failed to record session expiry", "session_id", sess.SessionID, "error", err)
	}
	if err := s.publisher.PublishStatus(sess.SessionID, sess.Status, sess.RuntimeState, sess.Error); err != nil {
		slog.Warn("Failed to publish expiry status", "session_id", sess.SessionID, "error", err)
	}
}

func (s *Service) purgeTerminal() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.Retention())
	count, err := s.sessions.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention purge failed", "error", err)
		if s.warnings != nil {
			s.warnings.AddWarning(services.WarningCategorySweeper,
				"retention purge failed", err.Error(), purgeComponent)
		}
		return
	}
	if s.warnings != nil {
		s.warnings.ClearByComponentID(services.WarningCategorySweeper, purgeComponent)
	}
	if count > 0 {
		slog.Info("Retention purge removed terminal sessions", "count", count)
	}
}
