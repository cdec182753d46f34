package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("TerminalGrace converts seconds to duration", func(t *testing.T) {
		cfg := &Config{TerminalGraceSeconds: 30}
		assert.Equal(t, 30*time.Second, cfg.TerminalGrace())
	})
}

func TestValidate(t *testing.T) {
	t.Run("rejects negative grace window", func(t *testing.T) {
		cfg := &Config{TerminalGraceSeconds: -1, RateLimitPerMin: 60}
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive rate limit", func(t *testing.T) {
		cfg := &Config{TerminalGraceSeconds: 30, RateLimitPerMin: 0}
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("accepts sane values", func(t *testing.T) {
		cfg := &Config{TerminalGraceSeconds: 30, RateLimitPerMin: 60}
		assert.NoError(t, cfg.Validate(true))
	})
}

func TestLoad(t *testing.T) {
	originalEnv := map[string]string{
		"PORT":                   os.Getenv("PORT"),
		"DATABASE_URL":           os.Getenv("DATABASE_URL"),
		"REDIS_URL":              os.Getenv("REDIS_URL"),
		"TERMINAL_GRACE_SECONDS": os.Getenv("TERMINAL_GRACE_SECONDS"),
		"RATE_LIMIT_PER_MIN":     os.Getenv("RATE_LIMIT_PER_MIN"),
		"LOG_LEVEL":              os.Getenv("LOG_LEVEL"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("TERMINAL_GRACE_SECONDS")
		os.Unsetenv("RATE_LIMIT_PER_MIN")
		os.Unsetenv("LOG_LEVEL")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, 30, cfg.TerminalGraceSeconds)
		assert.Equal(t, 120, cfg.RateLimitPerMin)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("fails without DATABASE_URL", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("overrides from environment", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "9090")
		os.Setenv("TERMINAL_GRACE_SECONDS", "45")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, 45*time.Second, cfg.TerminalGrace())
	})
}
