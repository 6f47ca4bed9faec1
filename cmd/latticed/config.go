package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"latticecore/internal/infra/blob"
)

// duration wraps time.Duration so YAML values like "30s" parse; yaml.v3 only
// decodes integers into time.Duration natively.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the daemon configuration, loaded from YAML with environment
// overrides applied on top.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	Store struct {
		Backend     string `yaml:"backend"` // memory|sqlite|postgres
		SQLitePath  string `yaml:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"store"`

	Archive blob.Config `yaml:"archive"`

	Gray struct {
		Workers            int           `yaml:"workers"`
		EvaluatorTimeout   duration      `yaml:"evaluator_timeout"`
		DeltaFractions     []float64     `yaml:"delta_fractions"`
		FragilityThreshold float64       `yaml:"fragility_threshold"`
		MinSweepInterval   duration      `yaml:"min_sweep_interval"`
		ReportRetention    duration      `yaml:"report_retention"`
	} `yaml:"gray"`

	Propagation struct {
		QueueSize   int           `yaml:"queue_size"`
		RetryBudget duration      `yaml:"retry_budget"`
		// AutoSupersede retires a published decision when a later one from
		// the same cell overlaps its impact set.
		AutoSupersede bool `yaml:"auto_supersede"`
	} `yaml:"propagation"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Listen = ":8080"
	cfg.LogLevel = "info"
	cfg.Store.Backend = "memory"
	cfg.Store.SQLitePath = "latticecore.db"
	cfg.Archive.Driver = blob.DriverFilesystem
	cfg.Archive.Root = "./archive"
	cfg.Gray.ReportRetention = duration{24 * time.Hour}
	return cfg
}

// loadConfig reads the YAML file at path (optional) and applies environment
// overrides. Unknown YAML keys are rejected.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("LATTICED_LISTEN", &cfg.Listen)
	setString("LATTICED_LOG_LEVEL", &cfg.LogLevel)
	setString("LATTICED_STORE_BACKEND", &cfg.Store.Backend)
	setString("LATTICED_SQLITE_PATH", &cfg.Store.SQLitePath)
	setString("LATTICED_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	if v := os.Getenv("LATTICED_ARCHIVE_DRIVER"); v != "" {
		cfg.Archive.Driver = blob.Driver(v)
	}
	setString("LATTICED_ARCHIVE_ROOT", &cfg.Archive.Root)
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
