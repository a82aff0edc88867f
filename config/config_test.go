package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "loom.db", cfg.Database.Path)
	assert.Equal(t, "medium", cfg.Worker.Priority)
	assert.Equal(t, 64, cfg.Worker.BatchSize)
	assert.Equal(t, 1.0, cfg.Worker.ParallelismFactor)
	assert.Equal(t, 5*time.Minute, cfg.Worker.OnboardingWindow())
	assert.Equal(t, time.Second, cfg.Worker.PulseInterval())
	assert.Equal(t, 5*time.Second, cfg.Worker.PullInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.HeldOnMasterBackoff())
	assert.Equal(t, 10*time.Second, cfg.Worker.BucketStaleness())
	assert.False(t, cfg.Logging.JSON)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
[database]
path = "/var/lib/loom/worker.db"

[worker]
bucket_id = "bucket-7"
priority = "high"
batch_size = 128
parallelism_factor = 2.0
onboarding_window_seconds = 600

[logging]
json = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/loom/worker.db", cfg.Database.Path)
	assert.Equal(t, "bucket-7", cfg.Worker.BucketID)
	assert.Equal(t, "high", cfg.Worker.Priority)
	assert.Equal(t, 128, cfg.Worker.BatchSize)
	assert.Equal(t, 2.0, cfg.Worker.ParallelismFactor)
	assert.Equal(t, 10*time.Minute, cfg.Worker.OnboardingWindow())
	assert.True(t, cfg.Logging.JSON)

	// Untouched keys keep their defaults.
	assert.Equal(t, time.Second, cfg.Worker.PulseInterval())
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("LOOM_WORKER_BATCH_SIZE", "16")
	t.Setenv("LOOM_DATABASE_PATH", "/tmp/env.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Worker.BatchSize)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
