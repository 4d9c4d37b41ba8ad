package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/finguard/decision-engine/internal/models"
)

var (
	ErrEventNotFound   = errors.New("security event not found")
	ErrAlreadyReviewed = errors.New("security event already reviewed")
)

// EventStore persists security events, API access rows, blocked sources,
// and the audit trail. All writes are durable before the call returns.
type EventStore struct {
	db *Database
}

func NewEventStore(db *Database) *EventStore {
	return &EventStore{db: db}
}

// StoreEvent appends one security event. Assigns the identifier when the
// caller left it zero.
func (s *EventStore) StoreEvent(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO security_events (id, timestamp, kind, level, source, endpoint, description, metadata, requires_review)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.Pool.Exec(ctx, query,
		event.ID, event.Timestamp, event.Kind.String(), int(event.Level),
		event.Source, event.Endpoint, event.Description, event.Metadata, event.RequiresReview)
	if err != nil {
		return fmt.Errorf("failed to store security event: %w", err)
	}
	return nil
}

// RecordAccess appends one API access row.
func (s *EventStore) RecordAccess(ctx context.Context, access *models.APIAccess) error {
	if access.ID == uuid.Nil {
		access.ID = uuid.New()
	}
	if access.Timestamp.IsZero() {
		access.Timestamp = time.Now()
	}

	query := `
		INSERT INTO api_access (id, timestamp, source, endpoint, method, status, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Pool.Exec(ctx, query,
		access.ID, access.Timestamp, access.Source, access.Endpoint, access.Method, access.Status, access.LatencyMs)
	if err != nil {
		return fmt.Errorf("failed to record api access: %w", err)
	}
	return nil
}

// EventFilter narrows a recent-events query. Zero values are ignored.
type EventFilter struct {
	MinLevel *models.ThreatLevel
	Kind     *models.ThreatKind
	Source   string
	Limit    int
}

const defaultEventLimit = 50

// RecentEvents returns events newest first, filtered.
func (s *EventStore) RecentEvents(ctx context.Context, filter EventFilter) ([]models.SecurityEvent, error) {
	query := `
		SELECT id, timestamp, kind, level, source, endpoint, description, metadata, requires_review, reviewed_by, review_action, review_notes
		FROM security_events WHERE 1=1`
	args := []interface{}{}

	if filter.MinLevel != nil {
		args = append(args, int(*filter.MinLevel))
		query += fmt.Sprintf(" AND level >= $%d", len(args))
	}
	if filter.Kind != nil {
		args = append(args, filter.Kind.String())
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReviewQueue lists unreviewed events at or above the review threshold,
// newest first.
func (s *EventStore) ReviewQueue(ctx context.Context) ([]models.SecurityEvent, error) {
	query := `
		SELECT id, timestamp, kind, level, source, endpoint, description, metadata, requires_review, reviewed_by, review_action, review_notes
		FROM security_events
		WHERE level >= $1 AND reviewed_by IS NULL
		ORDER BY timestamp DESC`

	rows, err := s.db.Pool.Query(ctx, query, int(models.ReviewThreshold))
	if err != nil {
		return nil, fmt.Errorf("failed to query review queue: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReviewEvent records an analyst's verdict on an event. Reviewing an
// already-reviewed event returns ErrAlreadyReviewed.
func (s *EventStore) ReviewEvent(ctx context.Context, id uuid.UUID, analyst, action, notes string) error {
	query := `
		UPDATE security_events
		SET reviewed_by = $2, review_action = $3, review_notes = $4
		WHERE id = $1 AND reviewed_by IS NULL`

	tag, err := s.db.Pool.Exec(ctx, query, id, analyst, action, notes)
	if err != nil {
		return fmt.Errorf("failed to review event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM security_events WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check event existence: %w", err)
		}
		if !exists {
			return ErrEventNotFound
		}
		return ErrAlreadyReviewed
	}

	return s.RecordAudit(ctx, &models.AuditEntry{
		Timestamp: time.Now(),
		Actor:     analyst,
		Action:    models.AuditActionReviewEvent,
		Resource:  id.String(),
		Success:   true,
		Metadata:  models.JSONB{"review_action": action},
	})
}

// ClearReviewQueue dismisses every pending review and returns the count.
func (s *EventStore) ClearReviewQueue(ctx context.Context, actor string) (int, error) {
	query := `
		UPDATE security_events
		SET reviewed_by = $1, review_action = 'dismiss'
		WHERE level >= $2 AND reviewed_by IS NULL`

	tag, err := s.db.Pool.Exec(ctx, query, actor, int(models.ReviewThreshold))
	if err != nil {
		return 0, fmt.Errorf("failed to clear review queue: %w", err)
	}

	cleared := int(tag.RowsAffected())
	if cleared > 0 {
		if err := s.RecordAudit(ctx, &models.AuditEntry{
			Timestamp: time.Now(),
			Actor:     actor,
			Action:    models.AuditActionReviewEvent,
			Resource:  "review_queue",
			Success:   true,
			Metadata:  models.JSONB{"cleared": cleared},
		}); err != nil {
			return cleared, err
		}
	}
	return cleared, nil
}

// DashboardStats aggregates the recent security posture.
type DashboardStats struct {
	TotalEvents    int                    `json:"total_events"`
	ByKind         map[string]int         `json:"events_by_type"`
	ByLevel        map[string]int         `json:"events_by_level"`
	PendingReviews int                    `json:"pending_reviews"`
	BlockedSources int                    `json:"blocked_sources"`
	RecentEvents   []models.SecurityEvent `json:"recent_events"`
}

// Dashboard computes the aggregate view in one round of queries.
func (s *EventStore) Dashboard(ctx context.Context, recentLimit int) (*DashboardStats, error) {
	stats := &DashboardStats{
		ByKind:  make(map[string]int),
		ByLevel: make(map[string]int),
	}

	rows, err := s.db.Pool.Query(ctx, `SELECT kind, COUNT(*) FROM security_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate events by kind: %w", err)
	}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan kind aggregate: %w", err)
		}
		stats.ByKind[kind] = count
		stats.TotalEvents += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate events by kind: %w", err)
	}

	rows, err = s.db.Pool.Query(ctx, `SELECT level, COUNT(*) FROM security_events GROUP BY level`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate events by level: %w", err)
	}
	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan level aggregate: %w", err)
		}
		stats.ByLevel[models.ThreatLevel(level).String()] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate events by level: %w", err)
	}

	err = s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM security_events WHERE level >= $1 AND reviewed_by IS NULL`,
		int(models.ReviewThreshold)).Scan(&stats.PendingReviews)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending reviews: %w", err)
	}

	err = s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM blocked_sources WHERE unblocked_at IS NULL`).Scan(&stats.BlockedSources)
	if err != nil {
		return nil, fmt.Errorf("failed to count blocked sources: %w", err)
	}

	if recentLimit <= 0 {
		recentLimit = 10
	}
	stats.RecentEvents, err = s.RecentEvents(ctx, EventFilter{Limit: recentLimit})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SourceRisk summarises one source's event history over a trailing
// window plus its current block state.
type SourceRisk struct {
	Source      string         `json:"source_id"`
	TotalEvents int            `json:"total_events"`
	ByLevel     map[string]int `json:"events_by_level"`
	ByKind      map[string]int `json:"events_by_type"`
	Blocked     bool           `json:"is_blocked"`
}

func (s *EventStore) SourceRisk(ctx context.Context, source string, window time.Duration) (*SourceRisk, error) {
	risk := &SourceRisk{
		Source:  source,
		ByLevel: make(map[string]int),
		ByKind:  make(map[string]int),
	}
	since := time.Now().Add(-window)

	rows, err := s.db.Pool.Query(ctx,
		`SELECT kind, level, COUNT(*) FROM security_events WHERE source = $1 AND timestamp > $2 GROUP BY kind, level`,
		source, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query source risk: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var level, count int
		if err := rows.Scan(&kind, &level, &count); err != nil {
			return nil, fmt.Errorf("failed to scan source risk row: %w", err)
		}
		risk.ByKind[kind] += count
		risk.ByLevel[models.ThreatLevel(level).String()] += count
		risk.TotalEvents += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query source risk: %w", err)
	}

	risk.Blocked, err = s.IsBlocked(ctx, source)
	if err != nil {
		return nil, err
	}
	return risk, nil
}

// BlockSource marks a source blocked. Idempotent: a source that is
// already blocked keeps its original row.
func (s *EventStore) BlockSource(ctx context.Context, block *models.BlockedSource) error {
	if block.BlockedAt.IsZero() {
		block.BlockedAt = time.Now()
	}

	query := `
		INSERT INTO blocked_sources (source, blocked_at, reason, level, auto)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source) WHERE unblocked_at IS NULL DO NOTHING`

	_, err := s.db.Pool.Exec(ctx, query,
		block.Source, block.BlockedAt, block.Reason, int(block.Level), block.Auto)
	if err != nil {
		return fmt.Errorf("failed to block source: %w", err)
	}
	return nil
}

// UnblockSource lifts a block. Unblocking a source that is not blocked
// is a no-op.
func (s *EventStore) UnblockSource(ctx context.Context, source, analyst, reason string) error {
	query := `
		UPDATE blocked_sources
		SET unblocked_at = NOW(), unblocked_by = $2
		WHERE source = $1 AND unblocked_at IS NULL`

	tag, err := s.db.Pool.Exec(ctx, query, source, analyst)
	if err != nil {
		return fmt.Errorf("failed to unblock source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	return s.RecordAudit(ctx, &models.AuditEntry{
		Timestamp: time.Now(),
		Actor:     analyst,
		Action:    models.AuditActionUnblockSource,
		Resource:  source,
		Success:   true,
		Metadata:  models.JSONB{"reason": reason},
	})
}

// ListBlocked returns the currently blocked sources.
func (s *EventStore) ListBlocked(ctx context.Context) ([]models.BlockedSource, error) {
	query := `
		SELECT source, blocked_at, reason, level, auto, unblocked_at, unblocked_by
		FROM blocked_sources
		WHERE unblocked_at IS NULL
		ORDER BY blocked_at DESC`

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked sources: %w", err)
	}
	defer rows.Close()

	var blocked []models.BlockedSource
	for rows.Next() {
		var b models.BlockedSource
		var level int
		if err := rows.Scan(&b.Source, &b.BlockedAt, &b.Reason, &level, &b.Auto, &b.UnblockedAt, &b.UnblockedBy); err != nil {
			return nil, fmt.Errorf("failed to scan blocked source: %w", err)
		}
		b.Level = models.ThreatLevel(level)
		blocked = append(blocked, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list blocked sources: %w", err)
	}
	return blocked, nil
}

// IsBlocked reports whether a source is currently blocked.
func (s *EventStore) IsBlocked(ctx context.Context, source string) (bool, error) {
	var blocked bool
	err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocked_sources WHERE source = $1 AND unblocked_at IS NULL)`,
		source).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("failed to check block state: %w", err)
	}
	return blocked, nil
}

// RecordAudit appends one audit trail row.
func (s *EventStore) RecordAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO audit_trail (id, timestamp, actor, action, resource, success, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Pool.Exec(ctx, query,
		entry.ID, entry.Timestamp, entry.Actor, entry.Action, entry.Resource, entry.Success, entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// AuditTrail pages the audit log, optionally filtered by actor or
// resource, newest first.
func (s *EventStore) AuditTrail(ctx context.Context, actor, resource string, limit, offset int) ([]models.AuditEntry, error) {
	query := `
		SELECT id, timestamp, actor, action, resource, success, metadata
		FROM audit_trail WHERE 1=1`
	args := []interface{}{}

	if actor != "" {
		args = append(args, actor)
		query += fmt.Sprintf(" AND actor = $%d", len(args))
	}
	if resource != "" {
		args = append(args, resource)
		query += fmt.Sprintf(" AND resource = $%d", len(args))
	}

	if limit <= 0 {
		limit = defaultEventLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.Resource, &e.Success, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	return entries, nil
}

func scanEvents(rows pgx.Rows) ([]models.SecurityEvent, error) {
	var events []models.SecurityEvent
	for rows.Next() {
		var e models.SecurityEvent
		var kind string
		var level int
		if err := rows.Scan(&e.ID, &e.Timestamp, &kind, &level, &e.Source, &e.Endpoint,
			&e.Description, &e.Metadata, &e.RequiresReview, &e.ReviewedBy, &e.ReviewAction, &e.ReviewNotes); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if parsed, ok := models.ParseThreatKind(kind); ok {
			e.Kind = parsed
		}
		e.Level = models.ThreatLevel(level)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read security events: %w", err)
	}
	return events, nil
}
