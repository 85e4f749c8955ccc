// Package config provides the structured configuration surface described in
// §6.3: every option has a documented default, loaded from an optional YAML
// file and overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PipelineConfig controls the event-sourcing pipeline (§4.5).
type PipelineConfig struct {
	Parallelism int `yaml:"parallelism" env:"PIPELINE_PARALLELISM"`
}

// ControllerConfig controls the controller façade (§4.6).
type ControllerConfig struct {
	CompletionTimeout time.Duration `yaml:"completion_timeout" env:"CONTROLLER_COMPLETION_TIMEOUT"`
}

// SagaTimeoutConfig controls saga deadline detection (§4.10, §6.3).
type SagaTimeoutConfig struct {
	CheckInterval   time.Duration            `yaml:"check_interval" env:"SAGA_TIMEOUT_CHECK_INTERVAL"`
	DefaultDeadline time.Duration            `yaml:"default_deadline" env:"SAGA_TIMEOUT_DEFAULT_DEADLINE"`
	ByType          map[string]time.Duration `yaml:"by_type"`
}

// OutboxConfig controls the outbox publisher (§4.8).
type OutboxConfig struct {
	Enabled      bool          `yaml:"enabled" env:"OUTBOX_ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL"`
	MaxBatchSize int           `yaml:"max_batch_size" env:"OUTBOX_MAX_BATCH_SIZE"`
	MaxRetries   int           `yaml:"max_retries" env:"OUTBOX_MAX_RETRIES"`
	EntryTTL     time.Duration `yaml:"entry_ttl" env:"OUTBOX_ENTRY_TTL"`
}

// DLQConfig controls the dead-letter queue (§4.8).
type DLQConfig struct {
	Enabled           bool          `yaml:"enabled" env:"DLQ_ENABLED"`
	EntryTTL          time.Duration `yaml:"entry_ttl" env:"DLQ_ENTRY_TTL"`
	MaxReplayAttempts int           `yaml:"max_replay_attempts" env:"DLQ_MAX_REPLAY_ATTEMPTS"`
}

// IdempotencyConfig controls the idempotency guard (§4.8).
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled" env:"IDEMPOTENCY_ENABLED"`
	TTL     time.Duration `yaml:"ttl" env:"IDEMPOTENCY_TTL"`
}

// ResilienceInstanceConfig overrides one named circuit-breaker/retry instance (§4.7).
type ResilienceInstanceConfig struct {
	FailureRateThreshold     float64       `yaml:"failure_rate_threshold"`
	MinimumCalls             int           `yaml:"minimum_calls"`
	SlidingWindowSize        int           `yaml:"sliding_window_size"`
	WaitDurationInOpen       time.Duration `yaml:"wait_duration_in_open"`
	PermittedCallsInHalfOpen int           `yaml:"permitted_calls_in_half_open"`
	MaxAttempts              int           `yaml:"max_attempts"`
	WaitDuration             time.Duration `yaml:"wait_duration"`
	Multiplier               float64       `yaml:"multiplier"`
}

// ResilienceConfig controls the resilience layer (§4.7).
type ResilienceConfig struct {
	Enabled   bool                                `yaml:"enabled" env:"RESILIENCE_ENABLED"`
	Instances map[string]ResilienceInstanceConfig `yaml:"instances"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SharedGridConfig controls the shared-cluster (Redis-backed) connection.
type SharedGridConfig struct {
	Addr     string `yaml:"addr" env:"SHARED_GRID_ADDR"`
	Password string `yaml:"password" env:"SHARED_GRID_PASSWORD"`
	DB       int    `yaml:"db" env:"SHARED_GRID_DB"`
}

// Config is the top-level configuration structure for a service embedding the core.
type Config struct {
	SourceService string            `yaml:"source_service" env:"SOURCE_SERVICE"`
	Pipeline      PipelineConfig    `yaml:"pipeline"`
	Controller    ControllerConfig  `yaml:"controller"`
	Saga          SagaTimeoutConfig `yaml:"saga_timeout"`
	Outbox        OutboxConfig      `yaml:"outbox"`
	DLQ           DLQConfig         `yaml:"dlq"`
	Idempotency   IdempotencyConfig `yaml:"idempotency"`
	Resilience    ResilienceConfig  `yaml:"resilience"`
	Logging       LoggingConfig     `yaml:"logging"`
	SharedGrid    SharedGridConfig  `yaml:"shared_grid"`
}

// Default returns a configuration populated with every §6.3 default.
func Default() *Config {
	return &Config{
		SourceService: "unnamed-service",
		Pipeline: PipelineConfig{
			Parallelism: 0, // 0 means "partition count", resolved at pipeline construction
		},
		Controller: ControllerConfig{
			CompletionTimeout: 30 * time.Second,
		},
		Saga: SagaTimeoutConfig{
			CheckInterval:   5 * time.Second,
			DefaultDeadline: 30 * time.Second,
			ByType:          map[string]time.Duration{},
		},
		Outbox: OutboxConfig{
			Enabled:      true,
			PollInterval: time.Second,
			MaxBatchSize: 50,
			MaxRetries:   5,
			EntryTTL:     24 * time.Hour,
		},
		DLQ: DLQConfig{
			Enabled:           true,
			EntryTTL:          168 * time.Hour,
			MaxReplayAttempts: 3,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		Resilience: ResilienceConfig{
			Enabled:   true,
			Instances: map[string]ResilienceInstanceConfig{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "eventsourcing",
		},
		SharedGrid: SharedGridConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE, default
// "configs/config.yaml") and overlays environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// SagaDeadline resolves the configured deadline for a saga type, falling
// back to DefaultDeadline when no per-type override exists.
func (c *Config) SagaDeadline(sagaType string) time.Duration {
	if d, ok := c.Saga.ByType[sagaType]; ok && d > 0 {
		return d
	}
	return c.Saga.DefaultDeadline
}

// ResilienceFor resolves the configured instance overrides for a named
// circuit-breaker/retry pair, falling back to the package defaults.
func (c *Config) ResilienceFor(name string) ResilienceInstanceConfig {
	if cfg, ok := c.Resilience.Instances[name]; ok {
		return cfg
	}
	return ResilienceInstanceConfig{
		FailureRateThreshold:     50,
		MinimumCalls:             10,
		SlidingWindowSize:        10,
		WaitDurationInOpen:       30 * time.Second,
		PermittedCallsInHalfOpen: 3,
		MaxAttempts:              3,
		WaitDuration:             100 * time.Millisecond,
		Multiplier:               2.0,
	}
}
