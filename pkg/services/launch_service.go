package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/masking"
	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/policy"
	"github.com/enclagent/gateway/pkg/preflight"
	"github.com/enclagent/gateway/pkg/provision"
	"github.com/enclagent/gateway/pkg/wallet"
)

// ProvisionJobName labels provisioning runs on job_events.
const ProvisionJobName = "provision_runtime"

// VerifyInput is the parsed body of a signature submission. Signature and
// privy tokens are transient: consumed here, never persisted or logged.
type VerifyInput struct {
	SessionID          string
	WalletAddress      string
	Signature          string
	Message            string
	Config             *models.PolicyConfig
	PrivyIdentityToken string
	PrivyAccessToken   string
}

// VerifyResult is the terse verify response; callers poll the session for
// the rest.
type VerifyResult struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Version   int64                `json:"version"`
}

// LaunchSettings carries the boot configuration the pipeline consults.
type LaunchSettings struct {
	RequirePrivy       bool
	DefaultInstanceURL string
	// Prober checks eigencloud reachability during preflight; nil skips.
	Prober preflight.Prober
}

// LaunchService orchestrates the challenge/verify flow: expiry, signature,
// config binding, onboarding catch-up, funding preflight, the single accept
// transition, and provisioning dispatch.
type LaunchService struct {
	sessions   *SessionService
	timeline   *TimelineService
	onboarding *OnboardingService
	publisher  *events.Publisher
	dispatcher *provision.Dispatcher

	requirePrivy       bool
	defaultInstanceURL string
	prober             preflight.Prober
}

// NewLaunchService creates a new LaunchService.
func NewLaunchService(
	sessions *SessionService,
	timeline *TimelineService,
	onboarding *OnboardingService,
	publisher *events.Publisher,
	dispatcher *provision.Dispatcher,
	settings LaunchSettings,
) *LaunchService {
	return &LaunchService{
		sessions:           sessions,
		timeline:           timeline,
		onboarding:         onboarding,
		publisher:          publisher,
		dispatcher:         dispatcher,
		requirePrivy:       settings.RequirePrivy,
		defaultInstanceURL: settings.DefaultInstanceURL,
		prober:             settings.Prober,
	}
}

// Challenge issues a fresh authorization challenge for the wallet and
// records it on the new session's timeline.
func (s *LaunchService) Challenge(ctx context.Context, walletAddress, privyUserID string, chainID *int64) (*models.Session, error) {
	sess, err := s.sessions.CreatePending(ctx, walletAddress, privyUserID, chainID)
	if err != nil {
		return nil, err
	}

	detail := "challenge issued, expires " + sess.ChallengeExpiresAt.UTC().Format(time.RFC3339)
	if _, err := s.timeline.Append(ctx, sess.SessionID, models.EventChallengeIssued,
		models.TimelineOK, detail, models.ActorGateway); err != nil {
		slog.Warn("Failed to record challenge issuance",
			"session_id", sess.SessionID, "error", err)
	}

	return sess, nil
}

// Verify runs the signature-submission pipeline. Steps are ordered and the
// first failure wins; terminal sessions replay their stored outcome instead
// of re-running anything.
func (s *LaunchService) Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	id := strings.TrimSpace(in.SessionID)
	if _, err := uuid.Parse(id); err != nil {
		return nil, NewFlowError(CodeInvalidSessionID, "session_id must be a UUID")
	}

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.ProvisioningSource == models.ProvisioningUnconfigured {
		return nil, NewFlowError(CodeProvisioningBackendUnconfigured,
			"no provisioning backend is configured; set PROVISIONING_BACKEND")
	}

	// A repeated submission never re-verifies or re-dispatches.
	switch sess.Status {
	case models.StatusProvisioning, models.StatusReady:
		return verifyResult(sess), nil
	case models.StatusFailed:
		return nil, replayFailure(sess)
	case models.StatusExpired:
		return nil, NewFlowError(CodeChallengeExpired, "authorization challenge has expired")
	}

	if time.Now().After(sess.ChallengeExpiresAt) {
		s.expireChallenge(ctx, sess)
		return nil, NewFlowError(CodeChallengeExpired, "authorization challenge has expired")
	}

	if in.WalletAddress != "" {
		addr, err := wallet.NormalizeAddress(in.WalletAddress)
		if err != nil {
			return nil, NewFlowError(CodeInvalidWalletAddress, "wallet_address must be 0x plus 40 hex characters")
		}
		if addr != sess.WalletAddress {
			return nil, NewFlowError(CodeChallengeWalletMismatch,
				"wallet_address does not match the wallet this challenge was issued to")
		}
	}

	if err := wallet.VerifyChallenge(sess.ChallengeMessage, in.Message, in.Signature, sess.WalletAddress); err != nil {
		flowErr := signatureFlowError(err)
		if _, terr := s.timeline.Append(ctx, id, models.EventSignatureRejected,
			models.TimelineFailed, flowErr.Message, models.ActorGateway); terr != nil {
			slog.Warn("Failed to record signature rejection", "session_id", id, "error", terr)
		}
		// The session stays pending_signature so the wallet may retry
		// within the challenge window.
		return nil, flowErr
	}

	privyUserID := sess.PrivyUserID
	token := in.PrivyIdentityToken
	if token == "" {
		token = in.PrivyAccessToken
	}
	if sub, err := ParsePrivySubject(token); err == nil && sub != "" {
		privyUserID = sub
	}

	validated, err := policy.Validate(in.Config, sess.WalletAddress)
	if err != nil {
		var ve *policy.ValidationError
		if !errors.As(err, &ve) {
			return nil, fmt.Errorf("failed to validate policy config: %w", err)
		}
		s.failSession(ctx, id, CodeConfigInvalid, ve.Error(), models.EventConfigRejected, nil)
		return nil, NewConfigInvalidError(ve.Field, ve.Reason)
	}

	obState, err := s.onboarding.CompleteForVerify(ctx, id, validated)
	if err != nil {
		return nil, err
	}

	outcome := preflight.Run(ctx, preflight.Input{
		Session:              sess,
		Config:               validated,
		IdentityTokenPresent: token != "",
		RequirePrivy:         s.requirePrivy,
		Prober:               s.prober,
	})
	if outcome.Status == models.PreflightFailed {
		detail := firstFailureDetail(outcome)
		s.failSession(ctx, id, CodePreflightFailed, detail, models.EventPreflightFailed, &outcome)
		return nil, NewPreflightFailedError(outcome.FailureCategory)
	}

	fingerprint := FingerprintAuthKey(validated.GatewayAuthKey)
	stored := validated.Clone()
	stored.GatewayAuthKey = "" // only the fingerprint is ever persisted

	accepted, err := s.sessions.Apply(ctx, id, sess.Version, func(next *models.Session) error {
		next.Status = models.StatusProvisioning
		next.Config = stored
		next.ProfileName = stored.ProfileName
		next.ProfileDomain = stored.ProfileDomain
		next.PrivyUserID = privyUserID
		next.AuthKeyFingerprint = fingerprint
		next.VerificationBackend = stored.VerificationBackend
		next.VerificationLevel = stored.VerificationLevel
		next.VerificationFallbackEnabled = stored.VerificationFallbackEnabled
		next.VerificationFallbackRequireSignedReceipts = stored.VerificationFallbackRequireSignedReceipts
		next.VerificationLatencyMS = outcome.Latency.Milliseconds()
		next.FundingPreflightStatus = outcome.Status
		next.FundingPreflightFailureCategory = ""
		next.FundingPreflightChecks = outcome.Checks
		next.Detail = "authorization accepted"
		RefreshTodoCounts(next, obState)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendAccepted(ctx, id, sess.WalletAddress, outcome, accepted.ProvisioningSource)
	if err := s.publisher.PublishStatus(id, accepted.Status, accepted.RuntimeState, "authorization accepted"); err != nil {
		slog.Warn("Failed to publish provisioning status", "session_id", id, "error", err)
	}

	if accepted.ProvisioningSource == models.ProvisioningDefaultInstanceURL {
		final, err := s.completeWithDefaultURL(ctx, id)
		if err != nil {
			return nil, err
		}
		return verifyResult(final), nil
	}

	if err := s.publisher.PublishJobStarted(id, ProvisionJobName); err != nil {
		slog.Warn("Failed to publish job start", "session_id", id, "error", err)
	}
	if err := s.dispatcher.Dispatch(provision.Request{
		SessionID:     id,
		WalletAddress: accepted.WalletAddress,
		ProfileName:   accepted.ProfileName,
	}, s.completeProvision); err != nil {
		if errors.Is(err, provision.ErrAlreadyRunning) {
			return verifyResult(accepted), nil
		}
		s.failProvisioning(ctx, id, &provision.Error{
			Code:   provision.FailureCodeFailure,
			Detail: "provisioning dispatcher unavailable",
		})
		return nil, NewFlowError(CodeInternalError, "provisioning dispatcher unavailable")
	}

	return verifyResult(accepted), nil
}

// CancelProvisioning stops an in-flight provisioning run, if any. Used by
// the expiry sweeper when a provisioning session lapses.
func (s *LaunchService) CancelProvisioning(sessionID string) bool {
	if s.dispatcher == nil {
		return false
	}
	return s.dispatcher.Cancel(sessionID)
}

func verifyResult(sess *models.Session) *VerifyResult {
	return &VerifyResult{SessionID: sess.SessionID, Status: sess.Status, Version: sess.Version}
}

// replayFailure reconstructs the wire error a failed session originally
// surfaced. session.error carries the taxonomy code; detail the message.
func replayFailure(sess *models.Session) error {
	detail := sess.Detail
	if detail == "" {
		detail = "session previously failed"
	}
	switch sess.Error {
	case CodePreflightFailed:
		return NewPreflightFailedError(sess.FundingPreflightFailureCategory)
	case CodeConfigInvalid:
		return NewFlowError(CodeConfigInvalid, detail)
	case CodeProvisioningFailure, CodeProvisioningTimeout, CodeProvisioningMalformedResult:
		return NewFlowError(sess.Error, detail)
	default:
		return NewFlowError(CodeProvisioningFailure, detail)
	}
}

func signatureFlowError(err error) *FlowError {
	switch {
	case errors.Is(err, wallet.ErrMalformedSignature):
		return NewFlowError(CodeSignatureMalformed, "signature is not a 65-byte secp256k1 signature")
	case errors.Is(err, wallet.ErrMessageMismatch):
		return NewFlowError(CodeSignatureMessageMismatch, "echoed message does not match the issued challenge")
	case errors.Is(err, wallet.ErrWalletMismatch):
		return NewFlowError(CodeSignatureWalletMismatch, "signature does not recover to the challenged wallet")
	default:
		return NewFlowError(CodeSignatureMalformed, "signature could not be verified")
	}
}

// expireChallenge moves a pending session whose challenge window lapsed to
// expired. Losing the race to the sweeper is fine; the outcome is the same.
func (s *LaunchService) expireChallenge(ctx context.Context, sess *models.Session) {
	_, err := s.sessions.Apply(ctx, sess.SessionID, sess.Version, func(next *models.Session) error {
		next.Status = models.StatusExpired
		next.Error = "challenge expired"
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrInvariantViolation) {
			slog.Warn("Failed to expire lapsed challenge", "session_id", sess.SessionID, "error", err)
		}
		return
	}

	if _, err := s.timeline.Append(ctx, sess.SessionID, models.EventChallengeExpired,
		models.TimelineFailed, "challenge window lapsed before verification", models.ActorGateway); err != nil {
		slog.Warn("Failed to record challenge expiry", "session_id", sess.SessionID, "error", err)
	}
	if err := s.publisher.PublishStatus(sess.SessionID, models.StatusExpired,
		models.RuntimeNotStarted, "challenge expired"); err != nil {
		slog.Warn("Failed to publish expiry status", "session_id", sess.SessionID, "error", err)
	}
}

// failSession commits a terminal failure: status=failed, error=wire code,
// detail=operator message, plus the timeline entry and a status event. The
// preflight outcome, when present, is persisted alongside.
func (s *LaunchService) failSession(ctx context.Context, sessionID, code, detail, eventType string, outcome *preflight.Outcome) {
	_, err := s.sessions.ApplyLatest(ctx, sessionID, func(next *models.Session) error {
		next.Status = models.StatusFailed
		next.Error = code
		next.Detail = detail
		if outcome != nil {
			next.FundingPreflightStatus = outcome.Status
			next.FundingPreflightFailureCategory = outcome.FailureCategory
			next.FundingPreflightChecks = outcome.Checks
			next.VerificationLatencyMS = outcome.Latency.Milliseconds()
		}
		return nil
	})
	if err != nil {
		slog.Error("Failed to mark session failed",
			"session_id", sessionID, "code", code, "error", err)
		return
	}

	if _, err := s.timeline.Append(ctx, sessionID, eventType,
		models.TimelineFailed, detail, models.ActorGateway); err != nil {
		slog.Warn("Failed to record session failure", "session_id", sessionID, "error", err)
	}
	if err := s.publisher.PublishStatus(sessionID, models.StatusFailed, models.RuntimeNotStarted, detail); err != nil {
		slog.Warn("Failed to publish failure status", "session_id", sessionID, "error", err)
	}
}

// appendAccepted records the accept transition: signature_verified,
// preflight_passed, provisioning_started, in that order.
func (s *LaunchService) appendAccepted(ctx context.Context, sessionID, walletAddress string, outcome preflight.Outcome, source models.ProvisioningSource) {
	entries := []struct {
		eventType string
		detail    string
	}{
		{models.EventSignatureVerified, "eip-191 signature recovered wallet " + walletAddress},
		{models.EventPreflightPassed, preflightSummary(outcome)},
		{models.EventProvisioningStarted, provisioningStartDetail(source)},
	}
	for _, e := range entries {
		if _, err := s.timeline.Append(ctx, sessionID, e.eventType,
			models.TimelineOK, e.detail, models.ActorGateway); err != nil {
			slog.Warn("Failed to record accept transition",
				"session_id", sessionID, "event_type", e.eventType, "error", err)
		}
	}
}

func provisioningStartDetail(source models.ProvisioningSource) string {
	if source == models.ProvisioningDefaultInstanceURL {
		return "assigning shared instance from default_instance_url"
	}
	return "dispatching provisioner command"
}

func preflightSummary(outcome preflight.Outcome) string {
	var passed, skipped int
	for _, c := range outcome.Checks {
		switch c.Status {
		case models.CheckPassed:
			passed++
		case models.CheckSkipped:
			skipped++
		}
	}
	return fmt.Sprintf("%d checks passed, %d skipped", passed, skipped)
}

func firstFailureDetail(outcome preflight.Outcome) string {
	for _, c := range outcome.Checks {
		if c.Status == models.CheckFailed {
			return c.Detail
		}
	}
	return "funding preflight failed"
}

// completeWithDefaultURL finishes a default_instance_url launch in-line:
// the shared endpoint is already known, so the session goes straight to
// ready on a non-dedicated instance.
func (s *LaunchService) completeWithDefaultURL(ctx context.Context, sessionID string) (*models.Session, error) {
	final, err := s.sessions.ApplyLatest(ctx, sessionID, func(next *models.Session) error {
		next.Status = models.StatusReady
		next.RuntimeState = models.RuntimeRunning
		next.InstanceURL = s.defaultInstanceURL
		next.DedicatedInstance = false
		next.LaunchedOnEigencloud = false
		next.Detail = "shared instance assigned"
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.timeline.Append(ctx, sessionID, models.EventProvisioningSucceeded,
		models.TimelineOK, "shared instance at "+s.defaultInstanceURL, models.ActorGateway); err != nil {
		slog.Warn("Failed to record shared-instance assignment", "session_id", sessionID, "error", err)
	}
	if err := s.publisher.PublishStatus(sessionID, final.Status, final.RuntimeState, "runtime ready"); err != nil {
		slog.Warn("Failed to publish ready status", "session_id", sessionID, "error", err)
	}

	return final, nil
}

// completeProvision commits a dispatcher outcome. It runs on the worker
// goroutine after the request context is gone, so writes get their own
// deadline. A completion that races a terminal transition (sweeper expiry,
// retention purge) is dropped.
func (s *LaunchService) completeProvision(sessionID string, res *provision.Result, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err != nil {
		var provErr *provision.Error
		if !errors.As(err, &provErr) {
			provErr = &provision.Error{Code: provision.FailureCodeFailure, Detail: err.Error()}
		}
		s.failProvisioning(ctx, sessionID, provErr)
		return
	}

	final, aerr := s.sessions.ApplyLatest(ctx, sessionID, func(next *models.Session) error {
		next.Status = models.StatusReady
		next.RuntimeState = models.RuntimeRunning
		next.InstanceURL = res.InstanceURL
		next.VerifyURL = res.VerifyURL
		next.EigenAppID = res.EigenAppID
		next.LaunchedOnEigencloud = res.LaunchedOnEigencloud
		next.DedicatedInstance = res.DedicatedInstance
		next.Detail = "dedicated runtime provisioned"
		return nil
	})
	if aerr != nil {
		if errors.Is(aerr, ErrInvariantViolation) || errors.Is(aerr, ErrNotFound) {
			slog.Info("Dropping provisioning result for settled session",
				"session_id", sessionID, "error", aerr)
		} else {
			slog.Error("Failed to commit provisioning result",
				"session_id", sessionID, "error", aerr)
		}
		return
	}

	endpoint := final.InstanceURL
	if endpoint == "" {
		endpoint = final.VerifyURL
	}
	if _, err := s.timeline.Append(ctx, sessionID, models.EventProvisioningSucceeded,
		models.TimelineOK, "runtime available at "+endpoint, models.ActorGateway); err != nil {
		slog.Warn("Failed to record provisioning success", "session_id", sessionID, "error", err)
	}
	if err := s.publisher.PublishJobStatus(sessionID, ProvisionJobName, "succeeded", endpoint); err != nil {
		slog.Warn("Failed to publish job completion", "session_id", sessionID, "error", err)
	}
	if err := s.publisher.PublishStatus(sessionID, final.Status, final.RuntimeState, "runtime ready"); err != nil {
		slog.Warn("Failed to publish ready status", "session_id", sessionID, "error", err)
	}
}

func (s *LaunchService) failProvisioning(ctx context.Context, sessionID string, provErr *provision.Error) {
	_, aerr := s.sessions.ApplyLatest(ctx, sessionID, func(next *models.Session) error {
		next.Status = models.StatusFailed
		next.Error = provErr.Code
		next.Detail = provErr.Detail
		return nil
	})
	if aerr != nil {
		if errors.Is(aerr, ErrInvariantViolation) || errors.Is(aerr, ErrNotFound) {
			slog.Info("Dropping provisioning failure for settled session",
				"session_id", sessionID, "error", aerr)
		} else {
			slog.Error("Failed to mark provisioning failure",
				"session_id", sessionID, "error", aerr)
		}
		return
	}

	if _, err := s.timeline.Append(ctx, sessionID, models.EventProvisioningFailed,
		models.TimelineFailed, provErr.Detail, models.ActorGateway); err != nil {
		slog.Warn("Failed to record provisioning failure", "session_id", sessionID, "error", err)
	}
	if err := s.publisher.PublishJobStatus(sessionID, ProvisionJobName, "failed", provErr.Detail); err != nil {
		slog.Warn("Failed to publish job failure", "session_id", sessionID, "error", err)
	}
	if err := s.publisher.PublishStatus(sessionID, models.StatusFailed, models.RuntimeNotStarted, provErr.Detail); err != nil {
		slog.Warn("Failed to publish failure status", "session_id", sessionID, "error", err)
	}
}

// handlerFunc adapts a closure to provision.Handler.
type handlerFunc func(ctx context.Context, req provision.Request) (*provision.Result, error)

func (f handlerFunc) Provision(ctx context.Context, req provision.Request) (*provision.Result, error) {
	return f(ctx, req)
}

// NewCommandProvisioner builds the dispatcher handler for command mode.
// Every run gets its own CommandHandler whose output lines are masked,
// appended to the session timeline, and mirrored onto log_events. Failure
// details are masked too: they embed the provisioner's last stderr line.
func NewCommandProvisioner(command string, masker *masking.Service, timeline *TimelineService, publisher *events.Publisher) provision.Handler {
	return handlerFunc(func(ctx context.Context, req provision.Request) (*provision.Result, error) {
		h := &provision.CommandHandler{
			Command: command,
			Log: func(stream, line string) {
				masked := masker.Mask(line)

				logCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				defer cancel()
				if _, err := timeline.Append(logCtx, req.SessionID, models.EventProvisioningLog,
					models.TimelineInfo, stream+": "+masked, models.ActorProvisioner); err != nil {
					slog.Warn("Failed to record provisioner output",
						"session_id", req.SessionID, "error", err)
				}
				if err := publisher.PublishLog(req.SessionID, stream, masked); err != nil {
					slog.Warn("Failed to publish provisioner output",
						"session_id", req.SessionID, "error", err)
				}
			},
		}
		res, err := h.Provision(ctx, req)
		if err != nil {
			var provErr *provision.Error
			if errors.As(err, &provErr) {
				provErr.Detail = masker.Mask(provErr.Detail)
				return nil, provErr
			}
			return nil, err
		}
		return res, nil
	})
}
