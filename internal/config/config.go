// Package config provides environment-aware configuration for the
// coordination core. All quality-control and billing constants are
// build-time values in their owning packages; configuration here covers
// deployment wiring only.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/synapse-platform/annotation-core/pkg/logger"
)

// Environment represents the deployment environment
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all application configuration. It is immutable after Load;
// services receive it by value at construction.
type Config struct {
	Env Environment `env:"CORE_ENV,default=development"`

	// Database
	DatabaseDSN      string        `env:"DATABASE_DSN,default="`
	DBMaxConnections int           `env:"DB_MAX_CONNECTIONS,default=20"`
	DBIdleTimeout    time.Duration `env:"DB_IDLE_TIMEOUT,default=5m"`

	// Sweepers
	StaleAssignmentInterval time.Duration `env:"SWEEP_STALE_ASSIGNMENTS_INTERVAL,default=15m"`
	ExpertTimeoutInterval   time.Duration `env:"SWEEP_EXPERT_TIMEOUTS_INTERVAL,default=1h"`
	LifecycleInterval       time.Duration `env:"SWEEP_LIFECYCLE_INTERVAL,default=24h"`
	ConsensusRetryInterval  time.Duration `env:"SWEEP_CONSENSUS_RETRY_INTERVAL,default=5m"`
	OutboxInterval          time.Duration `env:"OUTBOX_DELIVERY_INTERVAL,default=1m"`

	// Outbox delivery
	OutboxRatePerSecond float64 `env:"OUTBOX_RATE_PER_SECOND,default=5"`
	OutboxMaxAttempts   int     `env:"OUTBOX_MAX_ATTEMPTS,default=5"`

	// Metrics
	MetricsEnabled bool `env:"METRICS_ENABLED,default=true"`
	MetricsPort    int  `env:"METRICS_PORT,default=9190"`

	Logging logger.LoggingConfig
}

// Load loads configuration based on the CORE_ENV environment variable. An
// optional config/<env>.env file is layered underneath process environment
// variables.
func Load() (*Config, error) {
	envStr := os.Getenv("CORE_ENV")
	if envStr == "" {
		envStr = string(Development)
	}

	switch Environment(envStr) {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid CORE_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", envStr))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Env = Environment(envStr)
	return cfg, nil
}

// IsProduction reports whether the config targets production.
func (c *Config) IsProduction() bool {
	return c.Env == Production
}
