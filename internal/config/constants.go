package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Interval of the terminal-session sweep job
const CleanupJobInterval = 15 * time.Second

// Websocket connection tuning
const (
	WSWriteTimeout   = 10 * time.Second
	WSPongTimeout    = 60 * time.Second
	WSPingInterval   = 30 * time.Second
	WSMaxMessageSize = 64 * 1024
	WSSendBuffer     = 64
)

// Polling client cadence
const (
	PendingPollInterval = 2 * time.Second
	StatusPollInterval  = 1 * time.Second
	MaxPollDuration     = 5 * time.Minute
)

// Default rate limiting
const DefaultRateLimitPerMin = 120
