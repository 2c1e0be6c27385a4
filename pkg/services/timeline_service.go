package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/enclagent/gateway/pkg/models"
)

// TimelineService appends and reads the per-session event log. Entries are
// append-only and server-authoritative: callers record transitions at the
// moment they observe them, never retroactively.
type TimelineService struct {
	db *sql.DB
}

// NewTimelineService creates a new TimelineService.
func NewTimelineService(db *sql.DB) *TimelineService {
	return &TimelineService{db: db}
}

// Append writes one timeline entry and returns it with its assigned seq_id.
// Sequence numbers are contiguous from 1 per session; allocation happens
// inside the insert statement so concurrent appends cannot collide.
func (s *TimelineService) Append(ctx context.Context, sessionID, eventType, status, detail, actor string) (*models.TimelineEvent, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("timeline append requires a session id")
	}
	if eventType == "" {
		return nil, fmt.Errorf("timeline append requires an event type")
	}
	if actor == "" {
		return nil, fmt.Errorf("timeline append requires an actor")
	}
	if status == "" {
		status = models.TimelineInfo
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	createdAt := time.Now().UTC()
	var seqID int64
	err := s.db.QueryRowContext(writeCtx,
		`INSERT INTO timeline_events (session_id, seq_id, event_type, status, detail, actor, created_at)
		 SELECT ?, COALESCE(MAX(seq_id), 0) + 1, ?, ?, ?, ?, ?
		 FROM timeline_events WHERE session_id = ?
		 RETURNING seq_id`,
		sessionID, eventType, status, detail, actor, createdAt.Format(timeColumnLayout),
		sessionID,
	).Scan(&seqID)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return nil, fmt.Errorf("timeline append for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to append timeline event: %w", err)
	}

	return &models.TimelineEvent{
		SessionID: sessionID,
		SeqID:     seqID,
		EventType: eventType,
		Status:    status,
		Detail:    detail,
		Actor:     actor,
		CreatedAt: createdAt,
	}, nil
}

// List returns a session's timeline ordered by seq_id ascending. An unknown
// session yields an empty slice; existence checks belong to the caller.
func (s *TimelineService) List(ctx context.Context, sessionID string) ([]*models.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq_id, event_type, status, detail, actor, created_at
		 FROM timeline_events WHERE session_id = ? ORDER BY seq_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.TimelineEvent, 0, 16)
	for rows.Next() {
		var event models.TimelineEvent
		var createdAt string
		if err := rows.Scan(&event.SessionID, &event.SeqID, &event.EventType,
			&event.Status, &event.Detail, &event.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		event.CreatedAt, err = time.Parse(timeColumnLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timeline timestamp %q: %w", createdAt, err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timeline events: %w", err)
	}

	return events, nil
}
