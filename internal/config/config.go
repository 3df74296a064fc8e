// Package config loads the engine configuration from environment variables
// with sensible defaults.
//
// Environment Variables:
//
// Application settings:
//   - PORT: admin server port (default: 8080)
//   - LOG_LEVEL: logging level (default: info)
//   - DATABASE_PATH: SQLite database file path (default: ./event_pipes.db)
//
// AWS clients:
//   - AWS_REGION: region for client config and synthesized ARNs (default: us-east-1)
//   - AWS_ACCOUNT_ID: account id for synthesized ARNs (default: 000000000000)
//   - AWS_ENDPOINT_URL: endpoint override for every AWS service client,
//     LocalStack-style (default: empty, real endpoints)
//
// Throttling:
//   - THROTTLE_ENABLED: enable the shared per-target limiter (default: false)
//   - THROTTLE_DEFAULT: dispatches allowed per window per target (default: 100)
//   - THROTTLE_WINDOW: limiter window, e.g. "60s" (default: 60s)
//   - REDIS_ADDRESS: Redis address for the limiter (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number (default: 0)
//
// Workers:
//   - POLL_INTERVAL: wait between poll cycles (default: 1s)
//   - POLL_ERROR_MAX_BACKOFF: cap on the error backoff (default: 300s)
//   - PIPE_RETRY_BUDGET: consecutive failed cycles before a pipe stops (default: 10)
//
// Security:
//   - CONNECTION_ENCRYPTION_KEY: passphrase for encrypting connection
//     secrets at rest (required)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         string
	LogLevel     string
	DatabasePath string

	AWSRegion    string
	AWSAccountID string
	AWSEndpoint  string

	ThrottleEnabled bool
	ThrottleDefault int
	ThrottleWindow  time.Duration
	RedisAddress    string
	RedisPassword   string
	RedisDB         int

	PollInterval        time.Duration
	PollErrorMaxBackoff time.Duration
	PipeRetryBudget     int

	ConnectionEncryptionKey string
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DatabasePath: getEnv("DATABASE_PATH", "./event_pipes.db"),

		AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
		AWSAccountID: getEnv("AWS_ACCOUNT_ID", "000000000000"),
		AWSEndpoint:  getEnv("AWS_ENDPOINT_URL", ""),

		ThrottleEnabled: getBoolEnv("THROTTLE_ENABLED", false),
		ThrottleDefault: getIntEnv("THROTTLE_DEFAULT", 100),
		ThrottleWindow:  getDurationEnv("THROTTLE_WINDOW", 60*time.Second),
		RedisAddress:    getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getIntEnv("REDIS_DB", 0),

		PollInterval:        getDurationEnv("POLL_INTERVAL", time.Second),
		PollErrorMaxBackoff: getDurationEnv("POLL_ERROR_MAX_BACKOFF", 300*time.Second),
		PipeRetryBudget:     getIntEnv("PIPE_RETRY_BUDGET", 10),

		ConnectionEncryptionKey: getEnv("CONNECTION_ENCRYPTION_KEY", ""),
	}
}

// Validate checks the configuration is usable before anything starts.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.ConnectionEncryptionKey == "" {
		return fmt.Errorf("CONNECTION_ENCRYPTION_KEY is required")
	}
	if c.ThrottleEnabled {
		if c.ThrottleDefault <= 0 {
			return fmt.Errorf("THROTTLE_DEFAULT must be positive, got %d", c.ThrottleDefault)
		}
		if c.ThrottleWindow <= 0 {
			return fmt.Errorf("THROTTLE_WINDOW must be positive, got %s", c.ThrottleWindow)
		}
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when throttling is enabled")
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.PollErrorMaxBackoff < c.PollInterval {
		return fmt.Errorf("POLL_ERROR_MAX_BACKOFF must be at least POLL_INTERVAL")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
