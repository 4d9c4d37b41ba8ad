package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password does not meet requirements")
)

// Service handles analyst authentication.
type Service struct {
	analysts   *store.AnalystStore
	jwtManager *JWTManager
}

func NewService(analysts *store.AnalystStore, jwtManager *JWTManager) *Service {
	return &Service{analysts: analysts, jwtManager: jwtManager}
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

// Login authenticates an analyst and issues a token.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	analyst, err := s.analysts.GetAnalystByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrAnalystNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find analyst: %w", err)
	}

	if !CheckPassword(req.Password, analyst.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwtManager.GenerateToken(analyst.ID, analyst.Email, analyst.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &LoginResponse{
		Token:     token,
		ExpiresIn: int64(s.jwtManager.expiration.Seconds()),
		Email:     analyst.Email,
		Role:      analyst.Role,
	}, nil
}

// Register creates an analyst account, used by the bootstrap path.
func (s *Service) Register(ctx context.Context, email, password, role string) (*models.Analyst, error) {
	if !ValidatePasswordStrength(password) {
		return nil, ErrWeakPassword
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	if role == "" {
		role = models.RoleAnalyst
	}
	analyst := &models.Analyst{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.analysts.CreateAnalyst(ctx, analyst); err != nil {
		return nil, err
	}
	return analyst, nil
}
