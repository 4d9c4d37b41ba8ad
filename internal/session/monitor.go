package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/models"
)

// Store is the persistence surface the monitor needs. The Postgres
// session store satisfies it; tests use an in-memory fake.
type Store interface {
	ApplyTransaction(ctx context.Context, sessionID, accountID string, amount float64, newBeneficiary bool, location string, metadata models.JSONB, now time.Time) (*models.Session, bool, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateRisk(ctx context.Context, sessionID string, risk int, anomalies []string) error
	Terminate(ctx context.Context, sessionID, reason, actor string, now time.Time) error
	ListActive(ctx context.Context, limit int) ([]models.Session, error)
	ListByAccount(ctx context.Context, accountID string, activeOnly bool) ([]models.Session, error)
	ListSuspicious(ctx context.Context, minRisk int) ([]models.Session, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error)
}

// AuditSink receives audit entries for analyst-visible session actions.
type AuditSink interface {
	RecordAudit(ctx context.Context, entry *models.AuditEntry) error
}

// Monitor owns session lifecycle: transaction aggregation, risk
// persistence, termination, and expiry. The cache is optional; when nil
// every read goes to the store.
type Monitor struct {
	store Store
	cache *Cache
	audit AuditSink
}

func NewMonitor(store Store, cache *Cache, audit AuditSink) *Monitor {
	return &Monitor{store: store, cache: cache, audit: audit}
}

// RecordTransaction folds a transaction into its session and refreshes
// the cache with the updated aggregate.
func (m *Monitor) RecordTransaction(ctx context.Context, tx *models.Transaction, now time.Time) (*models.Session, bool, error) {
	session, created, err := m.store.ApplyTransaction(ctx,
		tx.SessionID, tx.UserID, tx.Amount, tx.IsNewBeneficiary, tx.Location, tx.Metadata, now)
	if err != nil {
		if m.cache != nil {
			m.cache.Invalidate(ctx, tx.SessionID)
		}
		return session, created, err
	}

	if m.cache != nil {
		m.cache.Set(ctx, session)
	}
	return session, created, nil
}

// Get returns the session, served from cache when fresh.
func (m *Monitor) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if m.cache != nil {
		if cached := m.cache.Get(ctx, sessionID); cached != nil {
			return cached, nil
		}
	}

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Set(ctx, session)
	}
	return session, nil
}

// ApplyRisk persists a behavioral score and keeps the cache coherent.
func (m *Monitor) ApplyRisk(ctx context.Context, session *models.Session, risk int, anomalies []string) error {
	if err := m.store.UpdateRisk(ctx, session.ID, risk, anomalies); err != nil {
		if m.cache != nil {
			m.cache.Invalidate(ctx, session.ID)
		}
		return err
	}

	session.RiskScore = risk
	session.Anomalies = anomalies
	if m.cache != nil {
		m.cache.Set(ctx, session)
	}
	return nil
}

// Terminate ends a session and records the audit entry. Terminating an
// already terminated session is a no-op.
func (m *Monitor) Terminate(ctx context.Context, sessionID, reason, actor string, now time.Time) error {
	if err := m.store.Terminate(ctx, sessionID, reason, actor, now); err != nil {
		return err
	}
	if m.cache != nil {
		m.cache.Invalidate(ctx, sessionID)
	}

	if m.audit != nil {
		if err := m.audit.RecordAudit(ctx, &models.AuditEntry{
			Timestamp: now,
			Actor:     actor,
			Action:    models.AuditActionTerminateSession,
			Resource:  sessionID,
			Success:   true,
			Metadata:  models.JSONB{"reason": reason},
		}); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to record termination audit entry")
		}
	}
	return nil
}

func (m *Monitor) ListActive(ctx context.Context, limit int) ([]models.Session, error) {
	return m.store.ListActive(ctx, limit)
}

func (m *Monitor) ListByAccount(ctx context.Context, accountID string, activeOnly bool) ([]models.Session, error) {
	return m.store.ListByAccount(ctx, accountID, activeOnly)
}

func (m *Monitor) ListSuspicious(ctx context.Context, minRisk int) ([]models.Session, error) {
	return m.store.ListSuspicious(ctx, minRisk)
}

func (m *Monitor) Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	return m.store.Events(ctx, sessionID)
}

// RunCleanup expires idle sessions on the given cadence until the
// context is cancelled. Started once at boot.
func (m *Monitor) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := m.store.Cleanup(ctx, time.Now().Add(-maxAge))
			if err != nil {
				log.Error().Err(err).Msg("Session cleanup failed")
				continue
			}
			if expired > 0 {
				log.Info().Int("expired", expired).Msg("Expired idle sessions")
			}
		}
	}
}
