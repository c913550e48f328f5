package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "default", cfg.Profile)
	assert.Equal(t, "profiles", cfg.ProfilesDir)
	assert.Equal(t, "dispatch-audit.db", cfg.AuditDBPath)
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
	assert.False(t, cfg.ShadowMode)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://test@db:5432/test")
	t.Setenv("DISPATCH_PROFILE", "prod")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SHADOW_MODE", "true")

	cfg := Load()
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://test@db:5432/test", cfg.DatabaseURL)
	assert.Equal(t, "prod", cfg.Profile)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.True(t, cfg.ShadowMode)
}

func TestEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	assert.Equal(t, 7, envInt("SOME_INT", 7))

	t.Setenv("SOME_INT", "42")
	assert.Equal(t, 42, envInt("SOME_INT", 7))

	assert.Equal(t, 7, envInt("UNSET_INT", 7))
}
