// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // MARKET_TIMEZONE must resolve without host zoneinfo

	"github.com/aristath/marketsync/internal/utils"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	LogLevel  string
	LogPretty bool
	Port      int
	DevMode   bool

	TushareToken    string
	TushareURL      string // Empty uses the client default
	ProviderTimeout time.Duration

	RateLimit RateLimitConfig
	Retry     RetryConfig
	Sync      SyncConfig

	PresenceCacheTTL time.Duration
	MarketTimezone   string // IANA name; decides which calendar date is "today"
}

// RateLimitConfig bounds calls to the provider
type RateLimitConfig struct {
	Concurrency int
	PerMinute   int
	WaitTimeout time.Duration
}

// RetryConfig controls retries of throttled and transient provider calls
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent int
}

// SyncConfig holds the orchestrator defaults and schedules
type SyncConfig struct {
	Workers             int
	LookbackDays        int
	MissingThreshold    int
	CalendarHorizonDays int
	Schedule            string // cron with seconds
	ReferenceSchedule   string
	Exchanges           []string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:         absDataDir,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogPretty:       getEnvAsBool("LOG_PRETTY", false),
		Port:            getEnvAsInt("PORT", 8080),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		TushareToken:    getEnv("TUSHARE_TOKEN", ""),
		TushareURL:      getEnv("TUSHARE_URL", ""),
		ProviderTimeout: getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		RateLimit: RateLimitConfig{
			Concurrency: getEnvAsInt("RATE_LIMIT_CONCURRENCY", 2),
			PerMinute:   getEnvAsInt("RATE_LIMIT_PER_MINUTE", 500),
			WaitTimeout: getEnvAsDuration("RATE_LIMIT_WAIT_TIMEOUT", 2*time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:   getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:     getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
			MaxDelay:      getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
			JitterPercent: getEnvAsInt("RETRY_JITTER_PERCENT", 10),
		},
		Sync: SyncConfig{
			Workers:             getEnvAsInt("SYNC_WORKERS", 20),
			LookbackDays:        getEnvAsInt("SYNC_LOOKBACK_DAYS", 365),
			MissingThreshold:    getEnvAsInt("SYNC_MISSING_THRESHOLD", 1000),
			CalendarHorizonDays: getEnvAsInt("CALENDAR_HORIZON_DAYS", 30),
			Schedule:            getEnv("SYNC_SCHEDULE", "0 30 17 * * MON-FRI"),
			ReferenceSchedule:   getEnv("REFERENCE_SCHEDULE", "0 0 8 * * *"),
			Exchanges:           getEnvAsList("EXCHANGES", []string{"SSE", "SZSE"}),
		},
		PresenceCacheTTL: getEnvAsDuration("PRESENCE_CACHE_TTL", 10*time.Minute),
		MarketTimezone:   getEnv("MARKET_TIMEZONE", "Asia/Shanghai"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that every value is usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}

	if c.RateLimit.Concurrency < 1 {
		return fmt.Errorf("RATE_LIMIT_CONCURRENCY must be at least 1, got %d", c.RateLimit.Concurrency)
	}
	if c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1, got %d", c.RateLimit.PerMinute)
	}
	if c.RateLimit.WaitTimeout < 0 {
		return fmt.Errorf("RATE_LIMIT_WAIT_TIMEOUT must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive and not above RETRY_MAX_DELAY")
	}
	if c.Retry.JitterPercent < 0 || c.Retry.JitterPercent > 100 {
		return fmt.Errorf("RETRY_JITTER_PERCENT must be between 0 and 100, got %d", c.Retry.JitterPercent)
	}

	if c.Sync.Workers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.LookbackDays < 1 {
		return fmt.Errorf("SYNC_LOOKBACK_DAYS must be at least 1, got %d", c.Sync.LookbackDays)
	}
	if c.Sync.MissingThreshold < 1 {
		return fmt.Errorf("SYNC_MISSING_THRESHOLD must be at least 1, got %d", c.Sync.MissingThreshold)
	}
	if c.Sync.CalendarHorizonDays < 0 {
		return fmt.Errorf("CALENDAR_HORIZON_DAYS must not be negative")
	}
	if len(c.Sync.Exchanges) == 0 {
		return fmt.Errorf("EXCHANGES must name at least one exchange")
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Sync.Schedule); err != nil {
		return fmt.Errorf("invalid SYNC_SCHEDULE %q: %w", c.Sync.Schedule, err)
	}
	if _, err := parser.Parse(c.Sync.ReferenceSchedule); err != nil {
		return fmt.Errorf("invalid REFERENCE_SCHEDULE %q: %w", c.Sync.ReferenceSchedule, err)
	}

	if c.PresenceCacheTTL <= 0 {
		return fmt.Errorf("PRESENCE_CACHE_TTL must be positive")
	}
	if _, err := time.LoadLocation(c.MarketTimezone); err != nil {
		return fmt.Errorf("invalid MARKET_TIMEZONE %q: %w", c.MarketTimezone, err)
	}

	return nil
}

// Location returns the market time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.MarketTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList reads a comma separated, upper-cased list
func getEnvAsList(key string, defaultValue []string) []string {
	if values := utils.ParseList(os.Getenv(key), strings.ToUpper); len(values) > 0 {
		return values
	}
	return defaultValue
}
