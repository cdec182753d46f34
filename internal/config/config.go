package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// TerminalGraceSeconds is how long a session stays readable after
	// reaching a terminal state, so late status polls still observe it.
	TerminalGraceSeconds int `env:"TERMINAL_GRACE_SECONDS" envDefault:"30"`

	// RateLimitPerMin caps per-user signaling requests on the polling surface.
	RateLimitPerMin int `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`

	// AllowedOrigins restricts websocket upgrades; empty allows same-origin only.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

func (c *Config) TerminalGrace() time.Duration {
	return time.Duration(c.TerminalGraceSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.TerminalGraceSeconds < 0 {
		return fmt.Errorf("TERMINAL_GRACE_SECONDS must not be negative")
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive")
	}

	if isProduction {
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if len(c.AllowedOrigins) == 0 {
			log.Warn().Msg("ALLOWED_ORIGINS is empty in production: websocket upgrades restricted to same-origin")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
