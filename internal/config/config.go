// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Lock store
	RedisAddr     string // Redis address (optional, uses in-process locks if not set)
	RedisPassword string
	RedisDB       int

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional, tracing off if not set)

	// Agent callbacks
	AgentHTTPTimeout time.Duration // per-call timeout against agent callback URLs

	// Retry pipeline
	RetryConcurrency  int           // jobs processed concurrently per batch
	RetryInterval     time.Duration // scheduler tick
	RetryBatchLimit   int           // max due jobs fetched per tick
	RetryMaxAttempts  int           // per-job attempt ceiling
	RetryHorizon      time.Duration // hard wall-clock bound from first failure
	RetryBaseInterval time.Duration
	RetryMaxInterval  time.Duration
	SchedulerLockTTL  time.Duration
	JobLockTTL        time.Duration

	// Retention cleanup
	CleanupLockTTL  time.Duration
	CleanupDay      int // day of month the retention run fires
	RetentionMonths int // calendar months kept before purge

	// Security
	RateLimitRPS int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultAgentHTTPTimeout  = 10 * time.Second
	DefaultRetryConcurrency  = 10
	DefaultRetryInterval     = time.Minute
	DefaultRetryBatchLimit   = 100
	DefaultRetryMaxAttempts  = 100
	DefaultRetryHorizon      = 72 * time.Hour
	DefaultRetryBaseInterval = 30 * time.Second
	DefaultRetryMaxInterval  = time.Hour
	DefaultSchedulerLockTTL  = 60 * time.Second
	DefaultJobLockTTL        = 5 * time.Minute
	DefaultCleanupLockTTL    = time.Hour
	DefaultCleanupDay        = 1
	DefaultRetentionMonths   = 2
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisAddr:         os.Getenv("REDIS_ADDR"),   // Optional, uses in-process locks if not set
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           int(getEnvInt64("REDIS_DB", 0)),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		AgentHTTPTimeout:  getEnvDuration("AGENT_HTTP_TIMEOUT", DefaultAgentHTTPTimeout),
		RetryConcurrency:  int(getEnvInt64("RETRY_CONCURRENCY", DefaultRetryConcurrency)),
		RetryInterval:     getEnvDuration("RETRY_INTERVAL", DefaultRetryInterval),
		RetryBatchLimit:   int(getEnvInt64("RETRY_BATCH_LIMIT", DefaultRetryBatchLimit)),
		RetryMaxAttempts:  int(getEnvInt64("RETRY_MAX_ATTEMPTS", DefaultRetryMaxAttempts)),
		RetryHorizon:      getEnvDuration("RETRY_HORIZON", DefaultRetryHorizon),
		RetryBaseInterval: getEnvDuration("RETRY_BASE_INTERVAL", DefaultRetryBaseInterval),
		RetryMaxInterval:  getEnvDuration("RETRY_MAX_INTERVAL", DefaultRetryMaxInterval),
		SchedulerLockTTL:  getEnvDuration("SCHEDULER_LOCK_TTL", DefaultSchedulerLockTTL),
		JobLockTTL:        getEnvDuration("JOB_LOCK_TTL", DefaultJobLockTTL),
		CleanupLockTTL:    getEnvDuration("CLEANUP_LOCK_TTL", DefaultCleanupLockTTL),
		CleanupDay:        int(getEnvInt64("CLEANUP_DAY", DefaultCleanupDay)),
		RetentionMonths:   int(getEnvInt64("RETENTION_MONTHS", DefaultRetentionMonths)),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	cfg.LogFormat = getEnv("LOG_FORMAT", defaultLogFormat(cfg.Env))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.RetryConcurrency < 1 {
		return fmt.Errorf("RETRY_CONCURRENCY must be at least 1")
	}
	if c.RetryBatchLimit < 1 {
		return fmt.Errorf("RETRY_BATCH_LIMIT must be at least 1")
	}
	if c.RetryHorizon <= 0 {
		return fmt.Errorf("RETRY_HORIZON must be positive")
	}
	if c.RetryBaseInterval <= 0 || c.RetryMaxInterval < c.RetryBaseInterval {
		return fmt.Errorf("retry backoff intervals must satisfy 0 < base <= max")
	}
	if c.CleanupDay < 1 || c.CleanupDay > 28 {
		return fmt.Errorf("CLEANUP_DAY must be between 1 and 28")
	}
	if c.RetentionMonths < 1 {
		return fmt.Errorf("RETENTION_MONTHS must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func defaultLogFormat(env string) string {
	if env == "production" {
		return "json"
	}
	return "text"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
