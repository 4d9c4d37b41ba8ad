package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/configs"
)

// Database wraps the shared connection pool.
type Database struct {
	Pool *pgxpool.Pool
}

func NewDatabase(cfg configs.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection established")
	return &Database{Pool: pool}, nil
}

func (db *Database) Close() {
	db.Pool.Close()
}

func (db *Database) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// WithTransaction runs fn inside a transaction, rolling back on error.
func (db *Database) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InitSchema creates all tables and indices. Idempotent; runs on every
// startup.
func (db *Database) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			level INT NOT NULL,
			source TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			requires_review BOOLEAN NOT NULL DEFAULT FALSE,
			reviewed_by TEXT,
			review_action TEXT,
			review_notes TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events (timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_source ON security_events (source)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_kind ON security_events (kind)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_level ON security_events (level)`,

		`CREATE TABLE IF NOT EXISTS api_access (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			status INT NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_access_timestamp ON api_access (timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_api_access_source ON api_access (source)`,

		`CREATE TABLE IF NOT EXISTS blocked_sources (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			blocked_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL,
			level INT NOT NULL,
			auto BOOLEAN NOT NULL,
			unblocked_at TIMESTAMPTZ,
			unblocked_by TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_blocked_sources_active ON blocked_sources (source) WHERE unblocked_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS audit_trail (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_trail_timestamp ON audit_trail (timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_trail_actor ON audit_trail (actor)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_trail_resource ON audit_trail (resource)`,

		`CREATE TABLE IF NOT EXISTS analysts (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS session_behaviors (
			session_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			transaction_count INT NOT NULL DEFAULT 0,
			total_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			new_beneficiary_count INT NOT NULL DEFAULT 0,
			first_location TEXT NOT NULL DEFAULT '',
			risk_score INT NOT NULL DEFAULT 0,
			is_terminated BOOLEAN NOT NULL DEFAULT FALSE,
			termination_reason TEXT NOT NULL DEFAULT '',
			terminated_by TEXT,
			terminated_at TIMESTAMPTZ,
			anomalies TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_behaviors_account ON session_behaviors (account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_behaviors_risk ON session_behaviors (risk_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_session_behaviors_terminated ON session_behaviors (is_terminated)`,
		`CREATE INDEX IF NOT EXISTS idx_session_behaviors_created ON session_behaviors (created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS session_events (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			risk_delta INT NOT NULL DEFAULT 0,
			data JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events (session_id, timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	log.Info().Msg("Database schema initialized")
	return nil
}
