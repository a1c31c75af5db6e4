// Package config loads settings from the environment (and an optional .env file).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"entitykit/internal/core/retry"
)

// Config holds application configuration.
type Config struct {
	AppEnv   string
	LogLevel string

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBSlowQuery time.Duration

	// Save loop
	SaveMaxRetries int
	SaveMaxJitter  time.Duration

	// AuditEnabled turns on the sys_audit change journal.
	AuditEnabled bool
}

// Load reads configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBMaxConns:     int32(getIntEnv("DB_MAX_CONNS", 10)),
		DBSlowQuery:    getDurationEnv("DB_SLOW_QUERY", 200*time.Millisecond),
		SaveMaxRetries: getIntEnv("SAVE_MAX_RETRIES", retry.DefaultMaxRetries),
		SaveMaxJitter:  getDurationEnv("SAVE_MAX_JITTER", retry.DefaultMaxJitter),
		AuditEnabled:   getBoolEnv("AUDIT_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SaveMaxRetries < 0 {
		return fmt.Errorf("SAVE_MAX_RETRIES must not be negative, got %d", c.SaveMaxRetries)
	}
	if c.SaveMaxJitter < 0 {
		return fmt.Errorf("SAVE_MAX_JITTER must not be negative, got %s", c.SaveMaxJitter)
	}
	return nil
}

// IsDevelopment reports whether APP_ENV is development.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// SavePolicy returns the save loop bounds.
func (c *Config) SavePolicy() *retry.Policy {
	return &retry.Policy{MaxRetries: c.SaveMaxRetries, MaxJitter: c.SaveMaxJitter}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
