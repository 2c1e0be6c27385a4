package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/wallet"
)

// timeColumnLayout is the fixed-width UTC layout for indexed TEXT time
// columns; fixed width keeps lexicographic order chronological.
const timeColumnLayout = "2006-01-02T15:04:05.000000000Z"

// writeTimeout bounds critical store writes independently of request contexts.
const writeTimeout = 5 * time.Second

// List clamp bounds for ListForWallet.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// applyRetries bounds local retries of latest-version mutations before a
// version conflict surfaces to the caller.
const applyRetries = 3

// SessionDefaults seeds the fields of a fresh session that come from gateway
// configuration rather than the request.
type SessionDefaults struct {
	ChallengeTTL                time.Duration
	SessionTTL                  time.Duration
	VerificationBackend         models.VerificationBackend
	VerificationFallbackEnabled bool
	ProvisioningSource          models.ProvisioningSource
}

// SessionService owns session records. All mutations go through Apply, which
// serializes writes per session id, re-checks the invariants, and commits
// with an optimistic version guard. Reads return decoded copies; callers can
// never alias store state.
type SessionService struct {
	db       *sql.DB
	defaults SessionDefaults

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionService creates a new SessionService.
func NewSessionService(db *sql.DB, defaults SessionDefaults) *SessionService {
	return &SessionService{
		db:       db,
		defaults: defaults,
		locks:    make(map[string]*sync.Mutex),
	}
}

// CreatePending creates a session in pending_signature with a fresh
// challenge. chainID nil means the challenge binds to any chain.
func (s *SessionService) CreatePending(ctx context.Context, walletAddress, privyUserID string, chainID *int64) (*models.Session, error) {
	normalized, err := wallet.NormalizeAddress(walletAddress)
	if err != nil {
		return nil, NewFlowError(CodeInvalidWalletAddress,
			fmt.Sprintf("wallet address %q is not a 0x-prefixed 40-hex address", walletAddress))
	}

	nonce, err := wallet.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge nonce: %w", err)
	}

	now := time.Now().UTC()
	sessionID := uuid.New().String()
	challengeExpires := now.Add(s.defaults.ChallengeTTL)

	sess := &models.Session{
		SessionID:     sessionID,
		WalletAddress: normalized,
		PrivyUserID:   privyUserID,

		Version:      1,
		Status:       models.StatusPendingSignature,
		RuntimeState: models.RuntimeNotStarted,

		ChallengeMessage: wallet.BuildChallengeMessage(
			sessionID, normalized, wallet.ChainLabel(chainID), nonce, now, challengeExpires),
		ChallengeCreatedAt: now,
		ChallengeExpiresAt: challengeExpires,

		ProvisioningSource: s.defaults.ProvisioningSource,

		VerificationBackend:         s.defaults.VerificationBackend,
		VerificationLevel:           models.VerificationLevelStandard,
		VerificationFallbackEnabled: s.defaults.VerificationFallbackEnabled,

		FundingPreflightStatus: models.PreflightNotRun,

		Detail: "awaiting signed authorization",

		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.defaults.SessionTTL),
	}
	RefreshTodoCounts(sess, nil)

	record, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session record: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = s.db.ExecContext(writeCtx,
		`INSERT INTO sessions (session_id, wallet_address, status, version, record, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.WalletAddress, string(sess.Status), sess.Version, string(record),
		sess.CreatedAt.Format(timeColumnLayout),
		sess.UpdatedAt.Format(timeColumnLayout),
		sess.ExpiresAt.Format(timeColumnLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return sess.Clone(), nil
}

// Get retrieves a session snapshot by id.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return decodeSession(record)
}

// ListForWallet returns the wallet's sessions ordered updated_at desc, plus
// the total count. limit 0 applies the default; all values clamp to [1,100].
func (s *SessionService) ListForWallet(ctx context.Context, walletAddress string, limit int) ([]*models.Session, int, error) {
	normalized, err := wallet.NormalizeAddress(walletAddress)
	if err != nil {
		return nil, 0, NewFlowError(CodeInvalidWalletAddress,
			fmt.Sprintf("wallet address %q is not a 0x-prefixed 40-hex address", walletAddress))
	}

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE wallet_address = ?`, normalized,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM sessions WHERE wallet_address = ? ORDER BY updated_at DESC, session_id LIMIT ?`,
		normalized, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0, limit)
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess, err := decodeSession(record)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// Apply runs mutator against a deep copy of the current session and commits
// the result iff the invariants hold and the version is unchanged since the
// read. expectedVersion > 0 additionally demands the caller saw the latest
// version; 0 means "mutate whatever is current". Writes to one session are
// totally ordered; distinct sessions proceed in parallel.
func (s *SessionService) Apply(ctx context.Context, sessionID string, expectedVersion int64, mutator func(*models.Session) error) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return nil, fmt.Errorf("expected version %d, store has %d: %w",
			expectedVersion, current.Version, ErrVersionConflict)
	}

	next := current.Clone()
	if err := mutator(next); err != nil {
		return nil, err
	}
	if err := checkInvariants(current, next); err != nil {
		return nil, err
	}

	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	record, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session record: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE sessions
		 SET status = ?, version = ?, record = ?, updated_at = ?, expires_at = ?
		 WHERE session_id = ? AND version = ?`,
		string(next.Status), next.Version, string(record),
		next.UpdatedAt.Format(timeColumnLayout),
		next.ExpiresAt.Format(timeColumnLayout),
		sessionID, current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		// Lost the version race to a writer outside this process.
		return nil, ErrVersionConflict
	}

	return next.Clone(), nil
}

// ApplyLatest retries Apply against the current version a bounded number of
// times, re-reading between attempts. Use for mutations that do not depend
// on a version the caller observed.
func (s *SessionService) ApplyLatest(ctx context.Context, sessionID string, mutator func(*models.Session) error) (*models.Session, error) {
	var lastErr error
	for attempt := 0; attempt < applyRetries; attempt++ {
		sess, err := s.Apply(ctx, sessionID, 0, mutator)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// ExpireDue transitions every due session to expired and returns the new
// snapshots so the caller can append timeline entries and publish events.
// Pending sessions are due once their challenge window lapses; pending and
// provisioning sessions are also due once the session TTL passes.
func (s *SessionService) ExpireDue(ctx context.Context, now time.Time) ([]*models.Session, error) {
	ids, err := s.ttlDueIDs(ctx, now)
	if err != nil {
		return nil, err
	}

	// The challenge deadline lives inside the record, not in an indexed
	// column, so every pending session is a candidate; the mutator filters
	// under the session lock.
	pending, err := s.idsWithStatus(ctx, models.StatusPendingSignature)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range pending {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}

	expired := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Apply(ctx, id, 0, func(next *models.Session) error {
			var reason string
			switch {
			case next.Status == models.StatusProvisioning && !next.ExpiresAt.After(now):
				reason = "provisioning expired"
			case next.Status == models.StatusPendingSignature &&
				(!next.ChallengeExpiresAt.After(now) || !next.ExpiresAt.After(now)):
				reason = "challenge expired"
			default:
				// Settled or not yet due; leave it alone.
				return errAlreadySettled
			}
			next.Status = models.StatusExpired
			next.Error = reason
			next.Detail = reason
			return nil
		})
		if errors.Is(err, errAlreadySettled) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, sess)
	}
	return expired, nil
}

func (s *SessionService) ttlDueIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions
		 WHERE status IN (?, ?) AND expires_at <= ?`,
		string(models.StatusPendingSignature), string(models.StatusProvisioning),
		now.UTC().Format(timeColumnLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due sessions: %w", err)
	}
	return scanIDs(rows)
}

func (s *SessionService) idsWithStatus(ctx context.Context, status models.SessionStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by status: %w", err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session ids: %w", err)
	}
	return ids, nil
}

// errAlreadySettled aborts an expiry mutation that raced a status change.
var errAlreadySettled = errors.New("session already settled")

// PurgeTerminalBefore deletes failed and expired sessions not updated since
// cutoff. Timeline and onboarding rows go with them via FK cascade.
func (s *SessionService) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions
		 WHERE status IN (?, ?) AND updated_at <= ?`,
		string(models.StatusFailed), string(models.StatusExpired),
		cutoff.UTC().Format(timeColumnLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query purgeable sessions: %w", err)
	}
	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan purgeable session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate purgeable sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(writeCtx,
		`DELETE FROM sessions WHERE session_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.locks, id)
	}
	s.mu.Unlock()

	return purged, nil
}

// lockFor returns the mutex serializing writes to one session id.
func (s *SessionService) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func decodeSession(record string) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal([]byte(record), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return &sess, nil
}

// checkInvariants rejects mutations that would leave the session in a state
// the model forbids. old is the committed snapshot, next the mutated copy.
func checkInvariants(old, next *models.Session) error {
	switch {
	case next.SessionID != old.SessionID:
		return invariantErr("session_id is immutable")
	case next.WalletAddress != old.WalletAddress:
		return invariantErr("wallet_address is immutable")
	case next.ChallengeMessage != old.ChallengeMessage:
		return invariantErr("challenge_message is set exactly once at creation")
	case !next.ChallengeCreatedAt.Equal(old.ChallengeCreatedAt),
		!next.ChallengeExpiresAt.Equal(old.ChallengeExpiresAt):
		return invariantErr("challenge window is immutable")
	case !next.CreatedAt.Equal(old.CreatedAt):
		return invariantErr("created_at is immutable")
	}

	if !next.Status.IsValid() {
		return invariantErr(fmt.Sprintf("unknown status %q", next.Status))
	}
	if !next.RuntimeState.IsValid() {
		return invariantErr(fmt.Sprintf("unknown runtime_state %q", next.RuntimeState))
	}
	if next.Status != old.Status && !old.Status.CanTransitionTo(next.Status) {
		return invariantErr(fmt.Sprintf("status %s cannot transition to %s", old.Status, next.Status))
	}

	if old.Config != nil && !reflect.DeepEqual(old.Config, next.Config) {
		return invariantErr("config is immutable once set")
	}

	if next.Status != models.StatusReady && next.RuntimeState != models.RuntimeNotStarted {
		return invariantErr("runtime_state must stay not_started until status is ready")
	}
	if old.RuntimeState == models.RuntimeTerminated && next.RuntimeState != models.RuntimeTerminated {
		return invariantErr("runtime_state terminated is absorbing")
	}
	if old.Status != models.StatusReady && next.Status == models.StatusReady && next.RuntimeState != models.RuntimeRunning {
		return invariantErr("entering ready must set runtime_state to running")
	}

	if next.Status == models.StatusReady {
		hasInstance := next.InstanceURL != ""
		hasVerify := next.VerifyURL != ""
		if hasInstance == hasVerify {
			return invariantErr("ready requires exactly one of instance_url, verify_url")
		}
	}

	if next.Config != nil && next.Config.CustodyMode.RequiresUserWallet() &&
		next.Config.UserWalletAddress != next.WalletAddress {
		return invariantErr("custody mode binds config.user_wallet_address to the session wallet")
	}

	return nil
}

func invariantErr(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrInvariantViolation)
}
