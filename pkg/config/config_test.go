package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("OHFIXIT_JWT_SECRET", "")
	_, err := Load()
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OHFIXIT_JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "actiond.db", cfg.SQLitePath)
	assert.Equal(t, "s3cret", cfg.CapabilitySecret)
	assert.Equal(t, 600*time.Second, cfg.TokenTTL)
	assert.Equal(t, 600*time.Second, cfg.ApprovalTTL)
	assert.Equal(t, 90*time.Second, cfg.PresenceTTL)
	assert.Equal(t, "both", cfg.TokenScope)
	assert.Equal(t, 120, cfg.RateLimitRPM)
	assert.Equal(t, 30, cfg.RateLimitBurst)
	assert.False(t, cfg.OTELEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OHFIXIT_JWT_SECRET", "s3cret")
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://app@db/actiond")
	t.Setenv("TOKEN_TTL_SECONDS", "120")
	t.Setenv("TOKEN_SCOPE", "execute")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("RATE_LIMIT_RPM", "10")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://app@db/actiond", cfg.DatabaseURL)
	assert.Equal(t, 120*time.Second, cfg.TokenTTL)
	assert.Equal(t, "execute", cfg.TokenScope)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 10, cfg.RateLimitRPM)
	assert.True(t, cfg.OTELEnabled)
}

func TestLoadBadIntFallsBack(t *testing.T) {
	t.Setenv("OHFIXIT_JWT_SECRET", "s3cret")
	t.Setenv("TOKEN_TTL_SECONDS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, cfg.TokenTTL)
}
