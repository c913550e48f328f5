package config

import (
	"os"
	"strconv"
)

// Config holds process-level settings read from the environment. Everything
// finer-grained (loop intervals, cache TTLs, alert limits) lives in a named
// profile file, see profile.go.
type Config struct {
	LogLevel    string
	DatabaseURL string
	AuditDBPath string
	RedisAddr   string
	ProfilesDir string
	Profile     string
	OTLPTarget  string
	ShadowMode  bool
}

// Load reads configuration from environment variables with safe defaults.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://dispatch@localhost:5432/dispatch?sslmode=disable"
	}

	auditDBPath := os.Getenv("AUDIT_DB_PATH")
	if auditDBPath == "" {
		auditDBPath = "dispatch-audit.db"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	profile := os.Getenv("DISPATCH_PROFILE")
	if profile == "" {
		profile = "default"
	}

	return &Config{
		LogLevel:    logLevel,
		DatabaseURL: dbURL,
		AuditDBPath: auditDBPath,
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		ProfilesDir: profilesDir,
		Profile:     profile,
		OTLPTarget:  os.Getenv("OTLP_TARGET"),
		ShadowMode:  os.Getenv("SHADOW_MODE") == "true",
	}
}

// envInt reads an integer variable, falling back on absence or garbage.
func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
