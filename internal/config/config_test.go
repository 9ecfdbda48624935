package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	latticeDir := filepath.Join(projectDir, ".lattice")
	if err := os.MkdirAll(latticeDir, 0755); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, LatticeProjectDir: latticeDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.Project.MaxConcurrency != DefaultMaxConcurrency {
		t.Fatalf("expected default max_concurrency, got %d", c.Project.MaxConcurrency)
	}
	if c.BatchesDir() != filepath.Join(projectDir, DefaultBatchesDir) {
		t.Fatalf("expected batches dir to be resolved, got %s", c.BatchesDir())
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	latticeDir := filepath.Join(projectDir, ".lattice")
	if err := os.MkdirAll(latticeDir, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
max_concurrency: 8
timeout_multiplier: 3
default_estimate: 45s
circuit_breaker:
  failure_threshold: 2
  open_timeout: 1m
safety:
  max_failure_rate: 0
report_server:
  enabled: true
  host: " 0.0.0.0 "
  port: 9000
batches:
  dir: work/batches
`)
	if err := os.WriteFile(filepath.Join(latticeDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, LatticeProjectDir: latticeDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	rt := c.Runtime()
	if rt.MaxConcurrency != 8 || rt.TimeoutMultiplier != 3 || rt.DefaultEstimate != 45*time.Second {
		t.Fatalf("unexpected runtime: %+v", rt)
	}
	if rt.FailureThreshold != 2 || rt.OpenTimeout != time.Minute {
		t.Fatalf("unexpected breaker settings: %+v", rt)
	}
	if rt.MaxFailureRate != 0 {
		t.Fatalf("explicit zero failure rate should be kept, got %v", rt.MaxFailureRate)
	}
	if c.Project.ReportServer.Host != "0.0.0.0" {
		t.Fatalf("host not trimmed: %q", c.Project.ReportServer.Host)
	}
	if !strings.HasPrefix(c.BatchesDir(), projectDir) {
		t.Fatalf("expected batches dir to be absolute, got %s", c.BatchesDir())
	}
}

func TestLoadProjectConfigValidation(t *testing.T) {
	projectDir := t.TempDir()
	latticeDir := filepath.Join(projectDir, ".lattice")
	if err := os.MkdirAll(latticeDir, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
safety:
  max_failure_rate: 1.5
`)
	if err := os.WriteFile(filepath.Join(latticeDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, LatticeProjectDir: latticeDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err == nil {
		t.Fatalf("expected validation error but got none")
	}
}

func TestRuntimeEnvOverrides(t *testing.T) {
	t.Setenv("LATTICE_MAX_CONCURRENCY", "12")
	t.Setenv("LATTICE_MAX_FAILURE_RATE", "0.25")
	t.Setenv("LATTICE_TIMEOUT_MULTIPLIER", "not-a-number")

	c := &Config{Project: defaultProjectConfig()}
	rt := c.Runtime()
	if rt.MaxConcurrency != 12 {
		t.Fatalf("expected env concurrency, got %d", rt.MaxConcurrency)
	}
	if rt.MaxFailureRate != 0.25 {
		t.Fatalf("expected env failure rate, got %v", rt.MaxFailureRate)
	}
	if rt.TimeoutMultiplier != DefaultTimeoutMultiplier {
		t.Fatalf("invalid override should be ignored, got %v", rt.TimeoutMultiplier)
	}
}

func TestInitLatticeDirWritesDefaultConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitLatticeDir(projectDir); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if _, err := os.Stat(cfg.ReportsDir()); err != nil {
		t.Fatalf("reports dir missing: %v", err)
	}
	if cfg.Project.ReportServer.Port != 8765 {
		t.Fatalf("expected default report port, got %d", cfg.Project.ReportServer.Port)
	}
	if cfg.Project.ReportServer.RefreshInterval != 500*time.Millisecond {
		t.Fatalf("unexpected refresh interval %s", cfg.Project.ReportServer.RefreshInterval)
	}
	if cfg.Project.CircuitBreaker.OpenTimeout != DefaultOpenTimeout {
		t.Fatalf("unexpected open timeout %s", cfg.Project.CircuitBreaker.OpenTimeout)
	}
}
