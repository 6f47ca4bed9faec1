package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "latticed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigParsesDurationStrings(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
gray:
  workers: 4
  evaluator_timeout: 30s
  min_sweep_interval: 1m30s
  report_retention: 48h
propagation:
  retry_budget: 500ms
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Gray.EvaluatorTimeout.Duration; got != 30*time.Second {
		t.Fatalf("evaluator_timeout = %v, want 30s", got)
	}
	if got := cfg.Gray.MinSweepInterval.Duration; got != 90*time.Second {
		t.Fatalf("min_sweep_interval = %v, want 1m30s", got)
	}
	if got := cfg.Gray.ReportRetention.Duration; got != 48*time.Hour {
		t.Fatalf("report_retention = %v, want 48h", got)
	}
	if got := cfg.Propagation.RetryBudget.Duration; got != 500*time.Millisecond {
		t.Fatalf("retry_budget = %v, want 500ms", got)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("listen = %q, want :9090", cfg.Listen)
	}
}

func TestLoadConfigRejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, `
gray:
  evaluator_timeout: soon
`)
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Store.Backend != "memory" {
		t.Fatalf("unexpected defaults: listen=%q backend=%q", cfg.Listen, cfg.Store.Backend)
	}
	if got := cfg.Gray.ReportRetention.Duration; got != 24*time.Hour {
		t.Fatalf("report_retention default = %v, want 24h", got)
	}
}
