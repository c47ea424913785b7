package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/benny-png/QUARK/internal/auth"
	"github.com/benny-png/QUARK/internal/domain"
	"github.com/benny-png/QUARK/internal/repository"
)

// ErrInvalidCredentials is returned for unknown users and wrong passwords
// alike so a caller cannot probe which accounts exist.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service handles authentication workflows.
type Service struct {
	users     repository.UserRepository
	jwtSecret string
	tokenTTL  time.Duration
	log       *slog.Logger
}

// New constructs an account Service.
func New(users repository.UserRepository, jwtSecret string, tokenTTL time.Duration, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return Service{users: users, jwtSecret: jwtSecret, tokenTTL: tokenTTL, log: log.With("component", "account")}
}

// Token is an issued access token.
type Token struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   time.Duration `json:"expires_in"`
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, Token, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, Token{}, errors.New("valid email required")
	}
	if len(password) < 8 {
		return nil, Token{}, errors.New("password must be at least 8 characters")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, Token{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, Token{}, fmt.Errorf("email %s already registered", email)
		}
		return nil, Token{}, err
	}
	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, Token{}, err
	}
	s.log.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates a user and returns a token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, Token{}, err
	}
	s.log.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errors.New("token required")
	}
	claims, err := auth.ParseToken(trimmed, s.jwtSecret)
	if err != nil {
		return nil, err
	}
	return s.users.GetUserByID(ctx, claims.UserID)
}

func (s Service) issueToken(userID string) (Token, error) {
	access, err := auth.GenerateToken(userID, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: access, ExpiresIn: s.tokenTTL}, nil
}
