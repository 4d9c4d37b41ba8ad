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

var ErrAnalystNotFound = errors.New("analyst not found")

// AnalystStore persists SOC analyst accounts.
type AnalystStore struct {
	db *Database
}

func NewAnalystStore(db *Database) *AnalystStore {
	return &AnalystStore{db: db}
}

func (s *AnalystStore) CreateAnalyst(ctx context.Context, analyst *models.Analyst) error {
	if analyst.ID == uuid.Nil {
		analyst.ID = uuid.New()
	}
	if analyst.CreatedAt.IsZero() {
		analyst.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO analysts (id, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.Pool.Exec(ctx, query,
		analyst.ID, analyst.Email, analyst.PasswordHash, analyst.Role, analyst.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create analyst: %w", err)
	}
	return nil
}

func (s *AnalystStore) GetAnalystByEmail(ctx context.Context, email string) (*models.Analyst, error) {
	query := `
		SELECT id, email, password_hash, role, created_at
		FROM analysts WHERE email = $1`

	var analyst models.Analyst
	err := s.db.Pool.QueryRow(ctx, query, email).Scan(
		&analyst.ID, &analyst.Email, &analyst.PasswordHash, &analyst.Role, &analyst.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalystNotFound
		}
		return nil, fmt.Errorf("failed to get analyst: %w", err)
	}
	return &analyst, nil
}
