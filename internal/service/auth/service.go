package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adwatch/cagnotte/internal/domain"
	"github.com/adwatch/cagnotte/internal/repository"
	"github.com/adwatch/cagnotte/pkg/config"
	"github.com/adwatch/cagnotte/pkg/crypto"
	jwtpkg "github.com/adwatch/cagnotte/pkg/jwt"
)

const minPasswordLength = 6

var (
	// ErrMissingCredentials is returned when email or password is absent.
	ErrMissingCredentials = errors.New("email and password are required")
	// ErrPasswordTooShort is returned for passwords below the minimum length.
	ErrPasswordTooShort = errors.New("password must be at least 6 characters")
	// ErrEmailTaken is returned when the normalized email already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials is returned for both unknown email and wrong
	// password so callers cannot probe for account existence.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// NormalizeEmail lowercases and trims an email so it can serve as the unique
// account key and the webhook addressing key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup registers a new account with a zero balance and returns a session token.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, string, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, "", ErrMissingCredentials
	}
	if len(password) < minPasswordLength {
		return nil, "", ErrPasswordTooShort
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Balance:      decimal.Zero,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", err
	}
	token, err := s.IssueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates an account and returns a session token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	user, err := s.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	token, err := s.IssueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// IssueToken signs a bearer token bound to the account id.
func (s Service) IssueToken(userID string) (string, error) {
	return jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.TokenTTL)
}

// Authorize validates a bearer token and returns the bound account id.
func (s Service) Authorize(ctx context.Context, token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
