package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Workflow coordination modes for the worker process.
const (
	ModeOrchestration = "orchestration"
	ModeChoreography  = "choreography"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"smarthealth"`
	HTTPPort    string `env:"HTTP_PORT"    envDefault:"8080"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	RedisAddr   string `env:"REDIS_ADDR"`

	// SagaMode selects orchestration (central state machine) or
	// choreography (chained consumers) for the worker process.
	SagaMode string `env:"SAGA_MODE" envDefault:"orchestration"`

	PublisherPollInterval time.Duration `env:"PUBLISHER_POLL_INTERVAL" envDefault:"5s"`
	PublisherBatchSize    int           `env:"PUBLISHER_BATCH_SIZE"    envDefault:"50"`
	PublisherMaxRetries   int           `env:"PUBLISHER_MAX_RETRIES"   envDefault:"5"`
	OutboxClaimLease      time.Duration `env:"OUTBOX_CLAIM_LEASE"      envDefault:"30s"`

	SagaStallTimeout  time.Duration `env:"SAGA_STALL_TIMEOUT"  envDefault:"10m"`
	SagaSweepInterval time.Duration `env:"SAGA_SWEEP_INTERVAL" envDefault:"1m"`
	DedupTTL          time.Duration `env:"DEDUP_TTL"           envDefault:"168h"`

	StartupProbeAttempts int           `env:"STARTUP_PROBE_ATTEMPTS" envDefault:"6"`
	StartupProbeDelay    time.Duration `env:"STARTUP_PROBE_DELAY"    envDefault:"10s"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment config: %w", err)
	}
	if cfg.SagaMode != ModeOrchestration && cfg.SagaMode != ModeChoreography {
		return Config{}, fmt.Errorf("SAGA_MODE must be %q or %q, got %q",
			ModeOrchestration, ModeChoreography, cfg.SagaMode)
	}
	return cfg, nil
}
