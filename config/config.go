// Package config loads the loom worker configuration from a TOML file with
// environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loomctl/loom/errors"
)

// Config is the root worker configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig configures the SQLite database backing the reference stores.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig configures the per-bucket execution engine and its tick driver.
type WorkerConfig struct {
	// BucketID is the bucket this worker owns.
	BucketID string `mapstructure:"bucket_id"`
	// AgentConnectionID identifies this worker's connection to the master.
	AgentConnectionID string `mapstructure:"agent_connection_id"`
	// Priority selects the concurrency class for the bucket's task queue.
	Priority string `mapstructure:"priority"`
	// BatchSize bounds the onboarding pen and per-pull claims.
	BatchSize int `mapstructure:"batch_size"`
	// ParallelismFactor scales concurrency ceilings and throttle delays.
	ParallelismFactor float64 `mapstructure:"parallelism_factor"`
	// OnboardingWindowSeconds is the lookahead before a job's scheduled time
	// inside which it may be buffered.
	OnboardingWindowSeconds int `mapstructure:"onboarding_window_seconds"`
	// PulseIntervalMS drives the engine tick.
	PulseIntervalMS int `mapstructure:"pulse_interval_ms"`
	// PullIntervalMS drives dispatcher pulls.
	PullIntervalMS int `mapstructure:"pull_interval_ms"`
	// HeldOnMasterBackoffMS is the delay after handing a job back under
	// capacity exhaustion.
	HeldOnMasterBackoffMS int `mapstructure:"held_on_master_backoff_ms"`
	// BucketStalenessMS is how old a cached bucket read may be.
	BucketStalenessMS int `mapstructure:"bucket_staleness_ms"`
}

// OnboardingWindow returns the configured lookahead as a duration.
func (w WorkerConfig) OnboardingWindow() time.Duration {
	return time.Duration(w.OnboardingWindowSeconds) * time.Second
}

// PulseInterval returns the engine tick interval as a duration.
func (w WorkerConfig) PulseInterval() time.Duration {
	return time.Duration(w.PulseIntervalMS) * time.Millisecond
}

// PullInterval returns the dispatcher pull interval as a duration.
func (w WorkerConfig) PullInterval() time.Duration {
	return time.Duration(w.PullIntervalMS) * time.Millisecond
}

// HeldOnMasterBackoff returns the capacity-exhaustion backoff as a duration.
func (w WorkerConfig) HeldOnMasterBackoff() time.Duration {
	return time.Duration(w.HeldOnMasterBackoffMS) * time.Millisecond
}

// BucketStaleness returns the bucket cache window as a duration.
func (w WorkerConfig) BucketStaleness() time.Duration {
	return time.Duration(w.BucketStalenessMS) * time.Millisecond
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	JSON bool `mapstructure:"json"`
}

// Load reads configuration from the given path (empty means defaults plus
// environment only). Environment variables use the LOOM_ prefix with
// underscores, e.g. LOOM_WORKER_BATCH_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
