package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile         string
	APIAddr        string
	BaseURL        string
	UploadsPath    string
	TokenExpiry    time.Duration
	TypingExpiry   time.Duration
	VAPIDPublic    string
	VAPIDPrivate   string
	PushSubscriber string
}

func Load() (*Config, error) {
	// Optional .env for local development.
	_ = godotenv.Load()

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "168h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}

	typingExpiry, err := time.ParseDuration(getEnv("TYPING_EXPIRY", "2s"))
	if err != nil {
		return nil, fmt.Errorf("invalid TYPING_EXPIRY: %w", err)
	}

	cfg := &Config{
		DBFile:         getEnv("PARLEY_DB", "parley.db"),
		APIAddr:        getEnv("API_ADDR", ":8000"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8000"),
		UploadsPath:    getEnv("UPLOADS_PATH", "uploads"),
		TokenExpiry:    tokenExpiry,
		TypingExpiry:   typingExpiry,
		VAPIDPublic:    os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivate:   os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber: getEnv("PUSH_SUBSCRIBER", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.TypingExpiry <= 0 {
		return fmt.Errorf("TYPING_EXPIRY must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
