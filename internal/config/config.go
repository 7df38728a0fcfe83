// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for the local quote cache database
	BackendURL   string // Base URL of the portfolio backend (store, calculator, ledger, quote pull)
	FeedURL      string // WebSocket URL of the price push channel
	SessionToken string // Optional pre-existing session token, restored at startup if still valid
	LogLevel     string
	Port         int
	DevMode      bool

	DriftThreshold float64       // Fallback drift warning threshold when a portfolio has none
	ReconnectDelay time.Duration // Base delay between feed reconnect attempts
	RequestTimeout time.Duration // Timeout for quote pulls and trade bookings
	QuoteTTL       time.Duration // How long persisted quotes stay usable for warm starts
	StaleAfter     time.Duration // Feed silence after which the pull fallback kicks in
	PullSchedule   string        // Cron spec for the staleness pull job
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("REBALANCER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:        absDataDir,
		BackendURL:     getEnv("BACKEND_URL", "http://localhost:8080"),
		FeedURL:        getEnv("FEED_URL", "ws://localhost:8080/ws/prices"),
		SessionToken:   getEnv("SESSION_TOKEN", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Port:           getEnvAsInt("PORT", 8001),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		DriftThreshold: getEnvAsFloat("DRIFT_THRESHOLD", 5.0),
		ReconnectDelay: getEnvAsDuration("FEED_RECONNECT_DELAY", 5*time.Second),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		QuoteTTL:       getEnvAsDuration("QUOTE_TTL", 24*time.Hour),
		StaleAfter:     getEnvAsDuration("FEED_STALE_AFTER", 60*time.Second),
		PullSchedule:   getEnv("PULL_SCHEDULE", "@every 30s"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are present and sane
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if c.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.DriftThreshold < 0 {
		return fmt.Errorf("DRIFT_THRESHOLD must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("FEED_RECONNECT_DELAY must be positive")
	}
	return nil
}

// getEnv retrieves an environment variable value, returning a fallback if unset or empty
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
