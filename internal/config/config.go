package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Cognition tunables
	MaxCarryOvers    int           `envconfig:"MAX_CARRY_OVERS" default:"3"`
	ForgetRoundAfter time.Duration `envconfig:"FORGET_ROUND_AFTER_SECS" default:"60s"`
	IntentStaleAfter time.Duration `envconfig:"INTENT_STALE_AFTER_MS" default:"2000ms"`

	// Profile
	ProfilePath string `envconfig:"ANDY_PROFILE" default:"andy.yaml"`

	// Long-term memory. "file:andy.db?..." selects SQLite, "redis://..." Redis.
	MemoryDSN string `envconfig:"MEMORY_DSN" default:"file:andy.db?cache=shared&_journal=WAL"`

	// Management API
	MgmtListenAddr string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtEnabled    bool   `envconfig:"MGMT_ENABLED" default:"true"`

	// Event bus: queue depth at which a slow subscriber is logged.
	BusQueueWarn int `envconfig:"BUS_QUEUE_WARN" default:"1024"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
