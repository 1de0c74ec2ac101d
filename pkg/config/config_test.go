package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
)

func TestLoadConfig(t *testing.T) {
	testConfigContent := `
log_level: debug
api_port: "9090"
data_dir: /var/lib/fileguard
reputation:
  api_key: secret
  timeout: 3s
training:
  min_samples: 20
  retrain_interval: 10
sweep:
  directories: ["/home/op/Downloads", "/tmp"]
  workers: 2
monitors:
  - name: directory_sweep
    enabled: true
    interval: 30m
  - name: file_watch
    enabled: false
    interval: 1m
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigContent), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "9090", cfg.APIPort)
	assert.Equal(t, "/var/lib/fileguard/profile.json", cfg.ProfilePath)
	assert.Equal(t, "/var/lib/fileguard/model.zst", cfg.ModelPath)
	assert.Equal(t, "/var/lib/fileguard/audit.db", cfg.Audit.Path)

	assert.Equal(t, "secret", cfg.Reputation.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Reputation.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Reputation.ProbeTimeout)
	assert.Equal(t, "www.virustotal.com:443", cfg.Reputation.ProbeAddress)

	assert.Equal(t, 20, cfg.Training.MinSamples)
	assert.Equal(t, 10, cfg.Training.RetrainInterval)
	assert.Equal(t, 100, cfg.Training.Trees)
	assert.Equal(t, 256, cfg.Training.SampleSize)
	assert.Equal(t, int64(42), cfg.Training.Seed)
	assert.InDelta(t, 0.5, cfg.Training.Threshold, 1e-9)

	assert.Equal(t, []string{"/home/op/Downloads", "/tmp"}, cfg.Sweep.Directories)
	assert.Equal(t, 2, cfg.Sweep.Workers)
	assert.True(t, cfg.Sweep.Heuristics)
	assert.Equal(t, 10*time.Minute, cfg.Events.DedupWindow)

	require.Len(t, cfg.Monitors, 2)
	assert.Equal(t, 2, cfg.Watch.Workers)
	assert.Equal(t, 600, cfg.Events.RateLimitPerMinute)
	assert.Equal(t, 200, cfg.Events.RateLimitBurst)

	sweep, ok := cfg.GetMonitorConfig("directory_sweep")
	require.True(t, ok)
	assert.True(t, sweep.Enabled)
	assert.Equal(t, "30m", sweep.Interval)

	watch, ok := cfg.GetMonitorConfig("file_watch")
	require.True(t, ok)
	assert.False(t, watch.Enabled)

	_, ok = cfg.GetMonitorConfig("missing")
	assert.False(t, ok)

	// Test with environment variable override
	t.Setenv("FILEGUARD_API_PORT", "9091")
	t.Setenv("FILEGUARD_TRAINING_MIN_SAMPLES", "50")

	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9091", cfg.APIPort)
	assert.Equal(t, 50, cfg.Training.MinSamples)
}

func TestLoadConfig_RejectsInvalidTraining(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training:\n  retrain_interval: 0\n"), 0644))

	cfg, err := LoadConfig(path)
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ferrors.ErrConfiguration))
	assert.Contains(t, err.Error(), "retrain_interval")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Training: TrainingConfig{MinSamples: 100, RetrainInterval: 50, Trees: 100, SampleSize: 256, Threshold: 0.5},
			Audit:    AuditConfig{Driver: "sqlite"},
		}
	}

	cases := map[string]func(c *Config){
		"zero min samples":  func(c *Config) { c.Training.MinSamples = 0 },
		"zero trees":        func(c *Config) { c.Training.Trees = 0 },
		"tiny sample size":  func(c *Config) { c.Training.SampleSize = 1 },
		"threshold of one":  func(c *Config) { c.Training.Threshold = 1 },
		"unknown driver":    func(c *Config) { c.Audit.Driver = "postgres" },
		"negative watchers": func(c *Config) { c.Watch.Workers = -1 },
	}

	base := valid()
	assert.NoError(t, base.Validate())

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadConfig_DefaultMonitors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	sweep, ok := cfg.GetMonitorConfig("directory_sweep")
	require.True(t, ok)
	assert.True(t, sweep.Enabled)
	assert.Equal(t, "6h", sweep.Interval)

	watch, ok := cfg.GetMonitorConfig("file_watch")
	require.True(t, ok)
	assert.True(t, watch.Enabled)
	assert.Empty(t, watch.Interval)
}
