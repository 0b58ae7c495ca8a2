package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"graphflow-scheduler/internal/errs"
)

// Config holds shared runtime configuration for the scheduler service.
type Config struct {
	Env           string
	HTTPPort      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	Timezone string

	// Supervised graphflow worker process.
	WorkerCommand   []string
	WorkerDir       string
	GracefulTimeout time.Duration
	RunTimeout      time.Duration

	MaxConcurrentJobs int
	JobRetention      time.Duration

	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffFactor  float64

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerSuccessThreshold int

	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:           getEnv("APP_ENV", "dev"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		Timezone: getEnv("SCHEDULER_TIMEZONE", "UTC"),

		WorkerCommand:   getEnvList("GRAPHFLOW_COMMAND", nil),
		WorkerDir:       getEnv("GRAPHFLOW_DIR", ""),
		GracefulTimeout: getEnvDuration("GRACEFUL_STOP_TIMEOUT", 10*time.Second),
		RunTimeout:      getEnvDuration("RUN_TIMEOUT", time.Hour),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 5),
		JobRetention:      getEnvDuration("JOB_RETENTION", 30*24*time.Hour),

		MaxAttempts:    getEnvInt("MAX_ATTEMPTS", 3),
		BackoffInitial: getEnvDuration("BACKOFF_INITIAL", time.Second),
		BackoffFactor:  getEnvFloat("BACKOFF_FACTOR", 2.0),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", time.Minute),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 3),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
	}
}

// Validate rejects configurations the service cannot start with. The worker
// command is the one value with no usable default.
func (c Config) Validate() error {
	if len(c.WorkerCommand) == 0 {
		return &errs.ConfigurationError{Missing: "GRAPHFLOW_COMMAND"}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return &errs.ConfigurationError{Missing: "SCHEDULER_TIMEZONE"}
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Fields(v)
		if len(parts) > 0 {
			return parts
		}
	}
	return def
}
