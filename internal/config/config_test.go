package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIAddr != ":8000" {
		t.Errorf("unexpected default API_ADDR: %s", cfg.APIAddr)
	}
	if cfg.TokenExpiry != 168*time.Hour {
		t.Errorf("unexpected default TOKEN_EXPIRY: %s", cfg.TokenExpiry)
	}
	if cfg.TypingExpiry != 2*time.Second {
		t.Errorf("unexpected default TYPING_EXPIRY: %s", cfg.TypingExpiry)
	}
}

func TestLoadOverridesAndValidation(t *testing.T) {
	t.Setenv("TOKEN_EXPIRY", "24h")
	t.Setenv("TYPING_EXPIRY", "5s")
	t.Setenv("API_ADDR", ":9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TokenExpiry != 24*time.Hour {
		t.Errorf("TOKEN_EXPIRY override not applied: %s", cfg.TokenExpiry)
	}
	if cfg.TypingExpiry != 5*time.Second {
		t.Errorf("TYPING_EXPIRY override not applied: %s", cfg.TypingExpiry)
	}
	if cfg.APIAddr != ":9000" {
		t.Errorf("API_ADDR override not applied: %s", cfg.APIAddr)
	}

	t.Setenv("TOKEN_EXPIRY", "nonsense")
	if _, err := Load(); err == nil {
		t.Error("expected error for malformed TOKEN_EXPIRY")
	}

	t.Setenv("TOKEN_EXPIRY", "-1h")
	if _, err := Load(); err == nil {
		t.Error("expected error for negative TOKEN_EXPIRY")
	}
}
