// Package config loads and validates service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the umbrella configuration object for the service.
// Loaded once at startup via Load() and passed down by reference.
type Config struct {
	HTTP     HTTPConfig
	LLM      LLMConfig
	Queue    QueueConfig
	Broker   BrokerConfig
	Database DatabaseConfig
	Log      LogConfig
}

// DatabaseConfig carries the relational store connection string; pool
// tuning lives with the database client.
type DatabaseConfig struct {
	// URL is the postgres:// connection string.
	URL string `validate:"required"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	Port string `validate:"required"`

	// MaxBodyBytes caps request bodies at the HTTP read level,
	// set above the 16 KiB message limit to account for envelope overhead.
	MaxBodyBytes int64 `validate:"min=1024"`
}

// BrokerConfig controls the Redis connection.
type BrokerConfig struct {
	// URL is a redis:// connection string.
	URL string `validate:"required"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

// SlogLevel converts the configured level string to a slog.Level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from environment variables, applies defaults,
// and validates the result. Callers should treat an error as fatal
// (exit code 2: bad configuration).
func Load() (*Config, error) {
	timeoutMs, err := envInt("LLM_REQUEST_TIMEOUT_MS", 120000)
	if err != nil {
		return nil, err
	}

	concurrency, err := envInt("WORKER_CONCURRENCY", defaultWorkerConcurrency())
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:         envOrDefault("HTTP_PORT", "8080"),
			MaxBodyBytes: 64 * 1024,
		},
		LLM: LLMConfig{
			BaseURL:          envOrDefault("LLM_BASE_URL", ""),
			APIKey:           os.Getenv("LLM_API_KEY"),
			Model:            envOrDefault("LLM_MODEL", ""),
			RequestTimeout:   time.Duration(timeoutMs) * time.Millisecond,
			MeshDomainSuffix: envOrDefault("MESH_DOMAIN_SUFFIX", ".railway.internal"),
		},
		Queue:    DefaultQueueConfig(),
		Broker:   BrokerConfig{URL: envOrDefault("BROKER_URL", "redis://localhost:6379")},
		Database: DatabaseConfig{URL: os.Getenv("DATABASE_URL")},
		Log:      LogConfig{Level: strings.ToLower(envOrDefault("LOG_LEVEL", "info"))},
	}
	cfg.Queue.WorkerConcurrency = concurrency

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration using struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	return nil
}

// defaultWorkerConcurrency is min(8, NumCPU): the pipeline is I/O bound,
// so more workers than cores buys nothing past a small ceiling.
func defaultWorkerConcurrency() int {
	n := runtime.NumCPU()
	if n > 8 {
		return 8
	}
	if n < 1 {
		return 1
	}
	return n
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
