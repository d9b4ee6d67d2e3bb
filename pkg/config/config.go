// Package config loads server configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// ErrNoSecret indicates the capability signing secret is missing. The server
// refuses to start without it; a guessable default would defeat the entire
// trust model.
var ErrNoSecret = errors.New("config: OHFIXIT_JWT_SECRET is required")

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects Postgres when set; otherwise SQLitePath is used.
	DatabaseURL string
	SQLitePath  string

	// CapabilitySecret signs capability tokens (helper-facing).
	CapabilitySecret string
	// SessionSecret signs human session tokens. Optional: without it only
	// anonymous sessions are possible.
	SessionSecret string

	TokenTTL    time.Duration
	ApprovalTTL time.Duration
	PresenceTTL time.Duration
	// TokenScope is the scope minted on execution grants ("execute" or "both").
	TokenScope string

	// ActionsFile optionally replaces the compiled-in allowlist catalog.
	ActionsFile string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitRPM   int
	RateLimitBurst int

	OTELEnabled  bool
	OTELEndpoint string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	secret := os.Getenv("OHFIXIT_JWT_SECRET")
	if secret == "" {
		return nil, ErrNoSecret
	}

	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getenv("SQLITE_PATH", "actiond.db"),
		CapabilitySecret: secret,
		SessionSecret:    os.Getenv("SESSION_SECRET"),
		TokenTTL:         secondsEnv("TOKEN_TTL_SECONDS", 600),
		ApprovalTTL:      secondsEnv("APPROVAL_TTL_SECONDS", 600),
		PresenceTTL:      secondsEnv("PRESENCE_TTL_SECONDS", 90),
		TokenScope:       getenv("TOKEN_SCOPE", "both"),
		ActionsFile:      os.Getenv("ACTIONS_FILE"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          intEnv("REDIS_DB", 0),
		RateLimitRPM:     intEnv("RATE_LIMIT_RPM", 120),
		RateLimitBurst:   intEnv("RATE_LIMIT_BURST", 30),
		OTELEnabled:      os.Getenv("OTEL_ENABLED") == "true",
		OTELEndpoint:     getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func secondsEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Second
}
