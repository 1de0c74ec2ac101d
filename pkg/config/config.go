package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel    string           `mapstructure:"log_level"`
	LogFormat   string           `mapstructure:"log_format"`
	APIPort     string           `mapstructure:"api_port"`
	DataDir     string           `mapstructure:"data_dir"`
	ProfilePath string           `mapstructure:"profile_path"`
	ModelPath   string           `mapstructure:"model_path"`
	Reputation  ReputationConfig `mapstructure:"reputation"`
	Training    TrainingConfig   `mapstructure:"training"`
	Audit       AuditConfig      `mapstructure:"audit"`
	Sweep       SweepConfig      `mapstructure:"sweep"`
	Watch       WatchConfig      `mapstructure:"watch"`
	Events      EventsConfig     `mapstructure:"events"`
	Monitors    []MonitorConfig  `mapstructure:"monitors"`
}

// MonitorConfig defines the configuration for a single monitor.
type MonitorConfig struct {
	Name     string `mapstructure:"name"`
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// ReputationConfig configures the hash reputation service client.
type ReputationConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ProbeAddress      string        `mapstructure:"probe_address"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
}

// TrainingConfig holds the training policy and forest parameters.
type TrainingConfig struct {
	MinSamples      int     `mapstructure:"min_samples"`
	RetrainInterval int     `mapstructure:"retrain_interval"`
	Trees           int     `mapstructure:"trees"`
	SampleSize      int     `mapstructure:"sample_size"`
	Seed            int64   `mapstructure:"seed"`
	Threshold       float64 `mapstructure:"threshold"`
}

type AuditConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite", "log", "none"
	Path   string `mapstructure:"path"`
}

type SweepConfig struct {
	Directories  []string `mapstructure:"directories"`
	Workers      int      `mapstructure:"workers"`
	Heuristics   bool     `mapstructure:"heuristics"`
	ExcludePaths []string `mapstructure:"exclude_paths"`
}

type WatchConfig struct {
	Paths        []string `mapstructure:"paths"`
	ExcludePaths []string `mapstructure:"exclude_paths"`
	Workers      int      `mapstructure:"workers"`
}

type EventsConfig struct {
	BufferSize         int           `mapstructure:"buffer_size"`
	DedupWindow        time.Duration `mapstructure:"dedup_window"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("api_port", "8080")
	v.SetDefault("data_dir", "./data")

	v.SetDefault("reputation.enabled", true)
	v.SetDefault("reputation.api_key", "")
	v.SetDefault("reputation.base_url", "https://www.virustotal.com/api/v3")
	v.SetDefault("reputation.timeout", 15*time.Second)
	v.SetDefault("reputation.probe_address", "www.virustotal.com:443")
	v.SetDefault("reputation.probe_timeout", 5*time.Second)
	v.SetDefault("reputation.requests_per_minute", 4)
	v.SetDefault("reputation.burst", 4)

	v.SetDefault("training.min_samples", 100)
	v.SetDefault("training.retrain_interval", 50)
	v.SetDefault("training.trees", 100)
	v.SetDefault("training.sample_size", 256)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.threshold", 0.5)

	v.SetDefault("audit.driver", "sqlite")

	v.SetDefault("sweep.directories", []string{})
	v.SetDefault("sweep.workers", 4)
	v.SetDefault("sweep.heuristics", true)
	v.SetDefault("sweep.exclude_paths", []string{})

	v.SetDefault("watch.paths", []string{})
	v.SetDefault("watch.exclude_paths", []string{})
	v.SetDefault("watch.workers", 2)

	v.SetDefault("events.buffer_size", 1000)
	v.SetDefault("events.dedup_window", 10*time.Minute)
	v.SetDefault("events.rate_limit_per_minute", 600)
	v.SetDefault("events.rate_limit_burst", 200)

	v.SetDefault("monitors", []map[string]interface{}{
		{"name": "directory_sweep", "enabled": true, "interval": "6h"},
		{"name": "file_watch", "enabled": true, "interval": ""},
	})
}

// LoadConfig reads the configuration from a YAML file and environment
// variables. An empty configFile searches ., $HOME/.fileguard and
// /etc/fileguard/ for config.yaml; a missing file there is not an error.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.fileguard")
		v.AddConfigPath("/etc/fileguard/")
	}

	SetDefaults(v)

	// Read environment variables
	v.SetEnvPrefix("FILEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills paths that default relative to data_dir.
func (c *Config) applyDerived() {
	if c.ProfilePath == "" {
		c.ProfilePath = filepath.Join(c.DataDir, "profile.json")
	}
	if c.ModelPath == "" {
		c.ModelPath = filepath.Join(c.DataDir, "model.zst")
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	t := c.Training
	var problem string
	switch {
	case t.MinSamples <= 0:
		problem = "training.min_samples must be positive"
	case t.RetrainInterval <= 0:
		problem = "training.retrain_interval must be positive"
	case t.Trees <= 0:
		problem = "training.trees must be positive"
	case t.SampleSize < 2:
		problem = "training.sample_size must be at least 2"
	case t.Threshold <= 0 || t.Threshold >= 1:
		problem = "training.threshold must be within (0,1)"
	case c.Sweep.Workers < 0:
		problem = "sweep.workers must not be negative"
	case c.Watch.Workers < 0:
		problem = "watch.workers must not be negative"
	}
	switch c.Audit.Driver {
	case "sqlite", "log", "none", "":
	default:
		if problem == "" {
			problem = fmt.Sprintf("unknown audit.driver %q", c.Audit.Driver)
		}
	}
	if problem == "" {
		return nil
	}
	return ferrors.NewConfigError("config", fmt.Errorf("%s", problem), map[string]interface{}{"training": t})
}

// GetMonitorConfig returns the entry for the named monitor, if present.
func (c *Config) GetMonitorConfig(name string) (MonitorConfig, bool) {
	for _, m := range c.Monitors {
		if m.Name == name {
			return m, true
		}
	}
	return MonitorConfig{}, false
}
