// Package server is the composition root: a chi router wiring the REST
// Agent Authentication Handshake, the Agent WebSocket
// Endpoint, and a Prometheus scrape endpoint over the
// Connection Manager, Durable Message Queue, Inbound Processor, Message
// Router, and Config Push Manager.
package server

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration from environment variables, in the
// same getEnv/parseDuration/parseInt/validate style as the rest of this
// codebase's packages.
type Config struct {
	ListenAddr string

	// DatabasePath is the SQLite file backing the durable queue and host
	// store (modernc.org/sqlite, WAL mode).
	DatabasePath string

	// RedisAddr backs the authsvc rate limiter.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TokenSecret signs connection tokens (authsvc, HS256).
	TokenSecret []byte

	// AllowedOrigins configures CORS for the REST auth endpoint.
	AllowedOrigins []string

	// AuthRateLimitAttempts is the per-source-IP attempt budget within
	// the rate-limit window.
	AuthRateLimitAttempts int
	AuthRateLimitWindow   time.Duration

	// QueueExpirationTimeout is how long a queue row may sit
	// PENDING/IN_PROGRESS before the sweeper marks it EXPIRED.
	QueueExpirationTimeout time.Duration

	// ProcessorStuckThreshold is how long a row may sit IN_PROGRESS
	// before being reset to PENDING.
	ProcessorStuckThreshold time.Duration

	// ProcessorHostBatchSize caps distinct hosts drained per tick.
	ProcessorHostBatchSize int

	// ProcessorTickInterval is how often the Inbound Processor wakes up.
	ProcessorTickInterval time.Duration
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:              getEnv("SYSMANAGE_LISTEN", ":8443"),
		DatabasePath:            getEnv("SYSMANAGE_DB_PATH", "/data/sysmanage-core.db"),
		RedisAddr:               getEnv("SYSMANAGE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:           os.Getenv("SYSMANAGE_REDIS_PASSWORD"),
		RedisDB:                 parseInt("SYSMANAGE_REDIS_DB", 0),
		TokenSecret:             []byte(os.Getenv("SYSMANAGE_TOKEN_SECRET")),
		AllowedOrigins:          parseOrigins("SYSMANAGE_ALLOWED_ORIGINS"),
		AuthRateLimitAttempts:   parseInt("SYSMANAGE_RATE_LIMIT_ATTEMPTS", 5),
		AuthRateLimitWindow:     parseDuration("SYSMANAGE_RATE_LIMIT_WINDOW_SECONDS", 900*time.Second),
		QueueExpirationTimeout:  parseDuration("SYSMANAGE_QUEUE_EXPIRATION_MINUTES", 60*time.Minute),
		ProcessorStuckThreshold: parseDuration("SYSMANAGE_STUCK_THRESHOLD_SECONDS", 30*time.Second),
		ProcessorHostBatchSize:  parseInt("SYSMANAGE_PROCESSOR_BATCH_SIZE", 10),
		ProcessorTickInterval:   parseDuration("SYSMANAGE_PROCESSOR_TICK_INTERVAL", 5*time.Second),
	}
	// A bare number for the expiration timeout counts minutes, not seconds.
	if v := os.Getenv("SYSMANAGE_QUEUE_EXPIRATION_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil {
			cfg.QueueExpirationTimeout = time.Duration(mins) * time.Minute
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if len(c.TokenSecret) == 0 {
		errs = append(errs, "SYSMANAGE_TOKEN_SECRET is required")
	}
	if c.AuthRateLimitAttempts <= 0 {
		errs = append(errs, "SYSMANAGE_RATE_LIMIT_ATTEMPTS must be positive")
	}
	if c.ProcessorHostBatchSize <= 0 {
		errs = append(errs, "SYSMANAGE_PROCESSOR_BATCH_SIZE must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
