package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/storage"
)

type memStore struct {
	users  map[string]models.User // by id
	hashes map[string]string      // by lowercase username
	byName map[string]string      // lowercase username -> id
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[string]models.User),
		hashes: make(map[string]string),
		byName: make(map[string]string),
	}
}

func (m *memStore) CreateUser(user models.User, passwordHash string) error {
	name := strings.ToLower(user.Username)
	if _, ok := m.byName[name]; ok {
		return storage.ErrUserExists
	}
	m.users[user.ID] = user
	m.byName[name] = user.ID
	m.hashes[name] = passwordHash
	return nil
}

func (m *memStore) GetUser(id string) (models.User, error) {
	user, ok := m.users[id]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return user, nil
}

func (m *memStore) GetUserByUsername(username string) (models.User, string, error) {
	name := strings.ToLower(username)
	id, ok := m.byName[name]
	if !ok {
		return models.User{}, "", models.ErrNotFound
	}
	return m.users[id], m.hashes[name], nil
}

func newTestService(t *testing.T) (*AuthService, *time.Time) {
	t.Helper()
	svc, err := NewAuthService(context.Background(), Config{TokenExpiry: time.Hour}, newMemStore())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	currentTime := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return currentTime }
	return svc, &currentTime
}

func register(t *testing.T, svc *AuthService) models.User {
	t.Helper()
	user, err := svc.Register(RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return user
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		req  RegisterRequest
	}{
		{"BadUsername", RegisterRequest{Username: "has space", Email: "a@b.com", Password: "longenough"}},
		{"BadEmail", RegisterRequest{Username: "alice", Email: "nope", Password: "longenough"}},
		{"ShortPassword", RegisterRequest{Username: "alice", Email: "a@b.com", Password: "short"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(tc.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	register(t, svc)
	_, err := svc.Register(RegisterRequest{Username: "ALICE", Email: "x@y.com", Password: "longenough"})
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestLoginAndSession(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc)

	resp := svc.Login(LoginRequest{Username: "alice", Password: "correct horse"})
	if !resp.Success {
		t.Fatalf("login failed: %s", resp.Message)
	}
	if resp.Token == "" {
		t.Fatal("no token returned")
	}
	if resp.User.ID != user.ID {
		t.Errorf("unexpected user in response: %+v", resp.User)
	}

	id, err := svc.UserID(resp.Token)
	if err != nil {
		t.Fatalf("UserID failed: %v", err)
	}
	if id != user.ID {
		t.Errorf("expected %s, got %s", user.ID, id)
	}

	got, err := svc.User(resp.Token)
	if err != nil || got.Username != "alice" {
		t.Errorf("User() = %+v, %v", got, err)
	}

	if err := svc.Logoff(resp.Token); err != nil {
		t.Fatalf("Logoff failed: %v", err)
	}
	if _, err := svc.UserID(resp.Token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized after logoff, got %v", err)
	}
}

func TestLoginFailures(t *testing.T) {
	svc, now := newTestService(t)
	register(t, svc)

	resp := svc.Login(LoginRequest{Username: "alice", Password: "wrong"})
	if resp.Success {
		t.Fatal("login succeeded with wrong password")
	}
	if resp.Message != loginFailedMessage {
		t.Errorf("expected generic failure message, got %q", resp.Message)
	}

	resp = svc.Login(LoginRequest{Username: "nobody", Password: "whatever"})
	if resp.Success || resp.Message != loginFailedMessage {
		t.Errorf("unknown user should fail with the generic message, got %+v", resp)
	}

	t.Run("Throttling", func(t *testing.T) {
		for range 4 {
			svc.Login(LoginRequest{Username: "alice", Password: "wrong"})
		}
		resp := svc.Login(LoginRequest{Username: "alice", Password: "correct horse"})
		if resp.Success {
			t.Fatal("expected throttled login to fail")
		}
		if !strings.Contains(resp.Message, "Too many failed login attempts") {
			t.Errorf("unexpected message: %q", resp.Message)
		}

		// After the backoff window the correct password works again.
		*now = now.Add(2 * time.Hour)
		resp = svc.Login(LoginRequest{Username: "alice", Password: "correct horse"})
		if !resp.Success {
			t.Fatalf("login after backoff failed: %s", resp.Message)
		}
	})
}
