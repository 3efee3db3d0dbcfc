package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/storage"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 7 * 24 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUnauthorized = errors.New("unauthorized")
)

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	Token       string      `json:"token,omitempty"`
	TokenExpiry int64       `json:"tokenExpiry,omitempty"`
	User        models.User `json:"user,omitzero"`
}

// loginState tracks consecutive failed attempts to throttle brute force.
type loginState struct {
	FailedAttempts  int64
	LastAttemptTime int64
}

type CredentialStore interface {
	CreateUser(user models.User, passwordHash string) error
	GetUser(id string) (models.User, error)
	GetUserByUsername(username string) (models.User, string, error)
}

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type AuthService struct {
	Config
	store      CredentialStore
	attempts   *geche.Locker[string, *loginState]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	return nil
}

func NewAuthService(ctx context.Context, config Config, store CredentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		attempts:   geche.NewLocker[string, *loginState](geche.NewMapCache[string, *loginState]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Register creates a new user with a bcrypt password hash.
func (as *AuthService) Register(req RegisterRequest) (models.User, error) {
	if err := content.ValidateUsername(req.Username); err != nil {
		return models.User{}, err
	}
	if err := content.ValidateEmail(req.Email); err != nil {
		return models.User{}, err
	}
	if len(req.Password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:       uuid.NewString(),
		Username: req.Username,
		Email:    req.Email,
	}
	if err := as.store.CreateUser(user, string(hash)); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return models.User{}, ErrUserExists
		}
		return models.User{}, err
	}
	return user, nil
}

func (as *AuthService) Login(req LoginRequest) LoginResponse {
	now := as.now()

	tx := as.attempts.Lock()
	state, err := tx.Get(req.Username)
	if err != nil {
		state = &loginState{}
		tx.Set(req.Username, state)
	}

	// Quadratic backoff after repeated failures.
	if state.FailedAttempts > 3 {
		nextAttempt := state.LastAttemptTime + 30*(state.FailedAttempts*state.FailedAttempts)
		if now.Unix() < nextAttempt {
			tx.Unlock()
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}
		}
	}
	tx.Unlock()

	user, hash, err := as.store.GetUserByUsername(req.Username)
	if err != nil {
		as.recordFailure(req.Username, now)
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		as.recordFailure(req.Username, now)
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}
	}

	as.liveTokens.Set(token, user.ID)
	as.resetFailures(req.Username, now)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
		User:        user,
	}
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

// UserID resolves a session token to a user id. This is the
// authentication collaborator consumed by the realtime channel: one
// call on connect, no re-authentication during the connection.
func (as *AuthService) UserID(token string) (string, error) {
	id, err := as.liveTokens.Get(token)
	if err != nil {
		return "", ErrUnauthorized
	}
	return id, nil
}

// User resolves a session token to the full user record.
func (as *AuthService) User(token string) (models.User, error) {
	id, err := as.UserID(token)
	if err != nil {
		return models.User{}, err
	}
	return as.store.GetUser(id)
}

func (as *AuthService) recordFailure(username string, now time.Time) {
	tx := as.attempts.Lock()
	defer tx.Unlock()
	state, err := tx.Get(username)
	if err != nil {
		state = &loginState{}
		tx.Set(username, state)
	}
	state.FailedAttempts++
	state.LastAttemptTime = now.Unix()
}

func (as *AuthService) resetFailures(username string, now time.Time) {
	tx := as.attempts.Lock()
	defer tx.Unlock()
	if state, err := tx.Get(username); err == nil {
		state.FailedAttempts = 0
		state.LastAttemptTime = now.Unix()
	}
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
