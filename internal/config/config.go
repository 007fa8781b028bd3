// Package config defines the typed configuration for the dispatcher and
// worker binaries. All values are passed into component constructors by
// value; nothing in the core reads the environment directly.
package config

import (
	"fmt"
	"time"

	"github.com/plotpalette/plotpalette/internal/env"
)

// Defaults for the generation core.
const (
	DefaultCheckpointInterval = 50
	DefaultPreemptGrace       = 120 * time.Second
	DefaultModelCallRetries   = 5
	DefaultModelCallTimeout   = 60 * time.Second
	DefaultMaxWorkerRestarts  = 3
	DefaultHeartbeatTimeout   = 10 * time.Minute
	DefaultHeartbeatInterval  = 2 * time.Minute
	DefaultBackoffBase        = 1 * time.Second
	DefaultBackoffCap         = 32 * time.Second
	DefaultBackoffJitter      = 0.1
	DefaultRecordRepairs      = 2
	DefaultCostEventTTL       = 90 * 24 * time.Hour
)

// Worker holds configuration for the generation worker runtime.
type Worker struct {
	// CheckpointInterval is the number of accepted records between
	// checkpoint commits.
	CheckpointInterval int `env:"PLOT_CHECKPOINT_INTERVAL"`

	// PreemptGrace bounds the final flush after a preemption signal.
	PreemptGrace time.Duration `env:"PLOT_PREEMPT_GRACE"`

	// HeartbeatInterval is how often a running worker refreshes its
	// liveness signal between checkpoint commits.
	HeartbeatInterval time.Duration `env:"PLOT_HEARTBEAT_INTERVAL"`

	// ModelCallRetries is the per-invocation retry budget.
	ModelCallRetries int `env:"PLOT_MODEL_CALL_RETRIES"`

	// ModelCallTimeout is the hard deadline on one model invocation.
	ModelCallTimeout time.Duration `env:"PLOT_MODEL_CALL_TIMEOUT"`

	// BudgetTolerance is the fractional over-budget allowance.
	BudgetTolerance float64 `env:"PLOT_BUDGET_TOLERANCE"`

	// RecordRepairs is the number of local repair attempts before a
	// record is dropped as rejected.
	RecordRepairs int `env:"PLOT_RECORD_REPAIRS"`

	// Backoff parameters for transient model and store errors.
	BackoffBase   time.Duration `env:"PLOT_BACKOFF_BASE"`
	BackoffCap    time.Duration `env:"PLOT_BACKOFF_CAP"`
	BackoffJitter float64       `env:"PLOT_BACKOFF_JITTER"`
}

// Validate implements env.Validator.
func (w *Worker) Validate() error {
	if w.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint interval must be non-negative, got %d", w.CheckpointInterval)
	}
	if w.BudgetTolerance < 0 {
		return fmt.Errorf("budget tolerance must be non-negative, got %f", w.BudgetTolerance)
	}
	if w.BackoffJitter < 0 || w.BackoffJitter > 1 {
		return fmt.Errorf("backoff jitter must be in [0,1], got %f", w.BackoffJitter)
	}
	return nil
}

// withWorkerDefaults fills unset fields with the documented defaults.
func (w *Worker) withDefaults() {
	if w.CheckpointInterval == 0 {
		w.CheckpointInterval = DefaultCheckpointInterval
	}
	if w.PreemptGrace == 0 {
		w.PreemptGrace = DefaultPreemptGrace
	}
	if w.HeartbeatInterval == 0 {
		w.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if w.ModelCallRetries == 0 {
		w.ModelCallRetries = DefaultModelCallRetries
	}
	if w.ModelCallTimeout == 0 {
		w.ModelCallTimeout = DefaultModelCallTimeout
	}
	if w.RecordRepairs == 0 {
		w.RecordRepairs = DefaultRecordRepairs
	}
	if w.BackoffBase == 0 {
		w.BackoffBase = DefaultBackoffBase
	}
	if w.BackoffCap == 0 {
		w.BackoffCap = DefaultBackoffCap
	}
	if w.BackoffJitter == 0 {
		w.BackoffJitter = DefaultBackoffJitter
	}
}

// Dispatcher holds configuration for the job lifecycle controller.
type Dispatcher struct {
	// MaxWorkerRestarts caps re-launches after non-terminal worker exits.
	MaxWorkerRestarts int `env:"PLOT_MAX_WORKER_RESTARTS"`

	// HeartbeatTimeout is how stale checkpoint metadata may get before
	// the worker is considered dead.
	HeartbeatTimeout time.Duration `env:"PLOT_HEARTBEAT_TIMEOUT"`

	// PollInterval is the dispatch/reconcile loop period.
	PollInterval time.Duration `env:"PLOT_POLL_INTERVAL"`

	// PreemptGrace is how long the dispatcher waits for a final
	// checkpoint after signalling preemption on cancel.
	PreemptGrace time.Duration `env:"PLOT_PREEMPT_GRACE"`
}

func (d *Dispatcher) withDefaults() {
	if d.MaxWorkerRestarts == 0 {
		d.MaxWorkerRestarts = DefaultMaxWorkerRestarts
	}
	if d.HeartbeatTimeout == 0 {
		d.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if d.PollInterval == 0 {
		d.PollInterval = 5 * time.Second
	}
	if d.PreemptGrace == 0 {
		d.PreemptGrace = DefaultPreemptGrace
	}
}

// Storage selects and parameterizes the store adapters.
type Storage struct {
	// Local switches every store to the embedded sqlite + filesystem
	// adapters. Intended for development and tests.
	Local bool `env:"PLOT_LOCAL"`

	PostgresURL string `env:"PLOT_POSTGRES_URL"`
	SQLitePath  string `env:"PLOT_SQLITE_PATH"`
	GCSBucket   string `env:"PLOT_GCS_BUCKET"`
	BlobDir     string `env:"PLOT_BLOB_DIR"`
	SeedDir     string `env:"PLOT_SEED_DIR"`
}

// CheckComplete verifies that a store selection is possible. Called by the
// binaries after loading; not part of env validation so that partially
// configured environments can still construct sub-components.
func (s *Storage) CheckComplete() error {
	if s.Local {
		return nil
	}
	if s.PostgresURL == "" && s.SQLitePath == "" {
		return fmt.Errorf("one of PLOT_POSTGRES_URL or PLOT_SQLITE_PATH is required")
	}
	if s.GCSBucket == "" && s.BlobDir == "" {
		return fmt.Errorf("one of PLOT_GCS_BUCKET or PLOT_BLOB_DIR is required")
	}
	return nil
}

// Models configures the provider registry.
type Models struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`

	// Tier to concrete model id mapping. The provider is inferred from
	// the model id prefix ("claude-" vs "gpt-").
	Tier1Model string `env:"PLOT_TIER1_MODEL"`
	Tier2Model string `env:"PLOT_TIER2_MODEL"`
	Tier3Model string `env:"PLOT_TIER3_MODEL"`
}

func (m *Models) withDefaults() {
	if m.Tier1Model == "" {
		m.Tier1Model = "claude-sonnet-4-20250514"
	}
	if m.Tier2Model == "" {
		m.Tier2Model = "claude-3-5-haiku-20241022"
	}
	if m.Tier3Model == "" {
		m.Tier3Model = "gpt-4o-mini"
	}
}

// Observability gates OTel export and names the service.
type Observability struct {
	Enabled     bool   `env:"PLOT_OTEL_ENABLED"`
	ServiceName string `env:"OTEL_SERVICE_NAME"`

	// MetricsAddr is the Prometheus /metrics listen address. Empty
	// disables the endpoint.
	MetricsAddr string `env:"PLOT_METRICS_ADDR"`
}

// Config is the root configuration shared by both binaries.
type Config struct {
	Worker        Worker
	Dispatcher    Dispatcher
	Storage       Storage
	Models        Models
	Observability Observability
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Worker.withDefaults()
	cfg.Dispatcher.withDefaults()
	cfg.Models.withDefaults()
	return cfg, nil
}
