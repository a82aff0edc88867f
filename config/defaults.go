package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "loom.db")

	// Worker defaults
	v.SetDefault("worker.bucket_id", "")
	v.SetDefault("worker.agent_connection_id", "")
	v.SetDefault("worker.priority", "medium")
	v.SetDefault("worker.batch_size", 64)
	v.SetDefault("worker.parallelism_factor", 1.0)
	v.SetDefault("worker.onboarding_window_seconds", 300) // 5 minute lookahead
	v.SetDefault("worker.pulse_interval_ms", 1000)
	v.SetDefault("worker.pull_interval_ms", 5000)
	v.SetDefault("worker.held_on_master_backoff_ms", 500)
	v.SetDefault("worker.bucket_staleness_ms", 10000)

	// Logging defaults
	v.SetDefault("logging.json", false)
}
