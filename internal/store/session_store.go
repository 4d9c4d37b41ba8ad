package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/finguard/decision-engine/internal/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session is terminated")
)

// SessionStore persists session aggregates and their event logs.
// Per-session writes are serialised by the database through the
// single-row upsert; different sessions proceed in parallel.
type SessionStore struct {
	db *Database
}

func NewSessionStore(db *Database) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `session_id, account_id, created_at, last_activity_at, transaction_count, total_amount,
	new_beneficiary_count, first_location, risk_score, is_terminated, termination_reason, terminated_by, terminated_at, anomalies, metadata`

// ApplyTransaction folds one transaction into the session, creating it
// when absent. Returns the updated session and whether it was created.
// A terminated session is never re-opened: the call returns the stored
// session with ErrSessionTerminated.
func (s *SessionStore) ApplyTransaction(ctx context.Context, sessionID, accountID string, amount float64, newBeneficiary bool, location string, metadata models.JSONB, now time.Time) (*models.Session, bool, error) {
	query := `
		INSERT INTO session_behaviors (session_id, account_id, created_at, last_activity_at, transaction_count, total_amount, new_beneficiary_count, first_location, metadata)
		VALUES ($1, $2, $3, $3, 1, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			transaction_count = session_behaviors.transaction_count + 1,
			total_amount = session_behaviors.total_amount + EXCLUDED.total_amount,
			new_beneficiary_count = session_behaviors.new_beneficiary_count + EXCLUDED.new_beneficiary_count,
			last_activity_at = EXCLUDED.last_activity_at
		WHERE session_behaviors.is_terminated = FALSE
		RETURNING ` + sessionColumns

	beneficiaryDelta := 0
	if newBeneficiary {
		beneficiaryDelta = 1
	}

	var session *models.Session
	var created bool
	err := s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var scanErr error
		session, scanErr = scanSession(tx.QueryRow(ctx, query,
			sessionID, accountID, now, amount, beneficiaryDelta, location, metadata))
		if scanErr != nil {
			return scanErr
		}

		created = session.TransactionCount == 1
		if created {
			if err := appendEvent(ctx, tx, &models.SessionEvent{
				SessionID: sessionID,
				Kind:      models.SessionEventStart,
				Timestamp: now,
				Data:      models.JSONB{"account_id": accountID},
			}); err != nil {
				return err
			}
		}
		return appendEvent(ctx, tx, &models.SessionEvent{
			SessionID: sessionID,
			Kind:      models.SessionEventTransaction,
			Timestamp: now,
			Data:      models.JSONB{"amount": amount, "new_beneficiary": newBeneficiary},
		})
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			stored, getErr := s.Get(ctx, sessionID)
			if getErr != nil {
				return nil, false, getErr
			}
			return stored, false, ErrSessionTerminated
		}
		return nil, false, fmt.Errorf("failed to apply transaction to session: %w", err)
	}

	return session, created, nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_behaviors WHERE session_id = $1`

	session, err := scanSession(s.db.Pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateRisk stores the behavioral score and anomaly strings.
func (s *SessionStore) UpdateRisk(ctx context.Context, sessionID string, risk int, anomalies []string) error {
	query := `UPDATE session_behaviors SET risk_score = $2, anomalies = $3 WHERE session_id = $1`

	tag, err := s.db.Pool.Exec(ctx, query, sessionID, risk, anomalies)
	if err != nil {
		return fmt.Errorf("failed to update session risk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Terminate marks the session terminated. Terminating an already
// terminated session is a no-op.
func (s *SessionStore) Terminate(ctx context.Context, sessionID, reason, actor string, now time.Time) error {
	query := `
		UPDATE session_behaviors
		SET is_terminated = TRUE, termination_reason = $2, terminated_by = $3, terminated_at = $4
		WHERE session_id = $1 AND is_terminated = FALSE`

	return s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, sessionID, reason, actor, now)
		if err != nil {
			return fmt.Errorf("failed to terminate session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM session_behaviors WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check session existence: %w", err)
			}
			if !exists {
				return ErrSessionNotFound
			}
			return nil
		}

		return appendEvent(ctx, tx, &models.SessionEvent{
			SessionID: sessionID,
			Kind:      models.SessionEventTerminated,
			Timestamp: now,
			Data:      models.JSONB{"reason": reason, "actor": actor},
		})
	})
}

// ListActive returns non-terminated sessions, most recent first.
func (s *SessionStore) ListActive(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	query := `SELECT ` + sessionColumns + `
		FROM session_behaviors WHERE is_terminated = FALSE
		ORDER BY last_activity_at DESC LIMIT $1`

	return s.querySessions(ctx, query, limit)
}

// ListByAccount returns an account's sessions, most recent first.
func (s *SessionStore) ListByAccount(ctx context.Context, accountID string, activeOnly bool) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_behaviors WHERE account_id = $1`
	if activeOnly {
		query += ` AND is_terminated = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	return s.querySessions(ctx, query, accountID)
}

// ListSuspicious returns sessions at or above a risk score, highest
// risk first.
func (s *SessionStore) ListSuspicious(ctx context.Context, minRisk int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM session_behaviors WHERE risk_score >= $1
		ORDER BY risk_score DESC`

	return s.querySessions(ctx, query, minRisk)
}

// Cleanup terminates sessions idle past the threshold with reason
// "expired". Safe to call repeatedly.
func (s *SessionStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE session_behaviors
		SET is_terminated = TRUE, termination_reason = 'expired', terminated_by = $2, terminated_at = NOW()
		WHERE is_terminated = FALSE AND last_activity_at < $1`

	tag, err := s.db.Pool.Exec(ctx, query, olderThan, models.SystemActor)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendEvent appends one row to a session's event log.
func (s *SessionStore) AppendEvent(ctx context.Context, event *models.SessionEvent) error {
	return appendEvent(ctx, s.db.Pool, event)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendEvent(ctx context.Context, q execer, event *models.SessionEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO session_events (id, session_id, kind, timestamp, risk_delta, data)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := q.Exec(ctx, query,
		event.ID, event.SessionID, event.Kind, event.Timestamp, event.RiskDelta, event.Data)
	if err != nil {
		return fmt.Errorf("failed to append session event: %w", err)
	}
	return nil
}

// Events returns a session's event log in time order.
func (s *SessionStore) Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	query := `
		SELECT id, session_id, kind, timestamp, risk_delta, data
		FROM session_events WHERE session_id = $1
		ORDER BY timestamp`

	rows, err := s.db.Pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var e models.SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Timestamp, &e.RiskDelta, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	return events, nil
}

func (s *SessionStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]models.Session, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID, &session.AccountID, &session.CreatedAt, &session.LastActivityAt,
		&session.TransactionCount, &session.TotalAmount, &session.NewBeneficiaryCount,
		&session.FirstLocation, &session.RiskScore, &session.Terminated,
		&session.TerminationReason, &session.TerminatedBy, &session.TerminatedAt,
		&session.Anomalies, &session.Metadata)
	if err != nil {
		return nil, err
	}
	return &session, nil
}
