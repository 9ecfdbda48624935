// internal/config/config.go
//
// This package handles configuration and the .lattice directory structure.
// Every project that runs batches gets a .lattice/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// LatticeDir is the name of the directory we create in each project
	LatticeDir = ".lattice"

	DefaultMaxConcurrency    = 4
	DefaultTimeoutMultiplier = 2.0
	DefaultEstimate          = time.Minute
	DefaultFailureThreshold  = 5
	DefaultOpenTimeout       = 30 * time.Second
	DefaultMaxFailureRate    = 0.5
	DefaultBatchesDir        = "batches"
)

const defaultProjectConfigYAML = `# lattice-batch project configuration
version: 1

# Size of the batch-wide admission limiter.
max_concurrency: 4
# Deadline for an item = estimated_duration x timeout_multiplier.
timeout_multiplier: 2.0
# Estimate used for items that do not declare one.
default_estimate: 1m

circuit_breaker:
  failure_threshold: 5
  open_timeout: 30s

safety:
  # Above this share of failed attempts the rest of the batch runs serially.
  max_failure_rate: 0.5

report_server:
  enabled: false
  host: 127.0.0.1
  port: 8765
  # How long a report snapshot is reused across requests. 0 disables reuse.
  refresh_interval: 500ms

batches:
  dir: batches
`

// CircuitBreakerConfig configures per-item breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// SafetyConfig configures the batch failure-rate gate.
type SafetyConfig struct {
	MaxFailureRate *float64 `yaml:"max_failure_rate,omitempty"`
}

// ReportServerConfig configures the HTTP report endpoint.
type ReportServerConfig struct {
	Enabled         *bool         `yaml:"enabled,omitempty"`
	Host            string        `yaml:"host,omitempty"`
	Port            int           `yaml:"port,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
}

// BatchesConfig locates batch definition files.
type BatchesConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// ProjectConfig models .lattice/config.yaml.
type ProjectConfig struct {
	Version           int                  `yaml:"version"`
	MaxConcurrency    int                  `yaml:"max_concurrency"`
	TimeoutMultiplier float64              `yaml:"timeout_multiplier"`
	DefaultEstimate   time.Duration        `yaml:"default_estimate"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Safety            SafetyConfig         `yaml:"safety"`
	ReportServer      ReportServerConfig   `yaml:"report_server"`
	Batches           BatchesConfig        `yaml:"batches"`
}

// Runtime is the effective scheduling configuration after environment
// overrides.
type Runtime struct {
	MaxConcurrency    int
	TimeoutMultiplier float64
	DefaultEstimate   time.Duration
	FailureThreshold  int
	OpenTimeout       time.Duration
	MaxFailureRate    float64
}

// Config holds the runtime configuration for a project.
type Config struct {
	// ProjectDir is the directory where the user ran `lattice-batch` from
	ProjectDir string

	// LatticeProjectDir is ProjectDir/.lattice
	LatticeProjectDir string

	Project ProjectConfig
}

// InitLatticeDir creates the .lattice directory structure in the given project directory.
//
// Structure created:
// .lattice/
// ├── config.yaml
// ├── logs/         <- lattice-batch.log and the lifecycle journal
// └── state/
//
//	└── reports/  <- one JSON report per run plus latest.json
func InitLatticeDir(projectDir string) error {
	latticeDir := filepath.Join(projectDir, LatticeDir)

	dirs := []string{
		filepath.Join(latticeDir, "logs"),
		filepath.Join(latticeDir, "state"),
		filepath.Join(latticeDir, "state", "reports"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if err := ensureProjectConfig(filepath.Join(latticeDir, "config.yaml")); err != nil {
		return err
	}

	return nil
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:        projectDir,
		LatticeProjectDir: filepath.Join(projectDir, LatticeDir),
		Project:           defaultProjectConfig(),
	}

	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.LatticeProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.LatticeProjectDir, "state")
}

// ReportsDir returns the directory holding persisted run reports
func (c *Config) ReportsDir() string {
	return filepath.Join(c.StateDir(), "reports")
}

// JournalPath returns the lifecycle journal file
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "journal.log")
}

// BatchesDir returns the directory batch names are resolved against
func (c *Config) BatchesDir() string {
	return c.Project.Batches.Dir
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.LatticeProjectDir, "config.yaml")
}

// Runtime returns the scheduling configuration with LATTICE_MAX_CONCURRENCY,
// LATTICE_TIMEOUT_MULTIPLIER and LATTICE_MAX_FAILURE_RATE applied.
func (c *Config) Runtime() Runtime {
	project := defaultProjectConfig()
	if c != nil {
		project = c.Project
	}
	rt := Runtime{
		MaxConcurrency:    project.MaxConcurrency,
		TimeoutMultiplier: project.TimeoutMultiplier,
		DefaultEstimate:   project.DefaultEstimate,
		FailureThreshold:  project.CircuitBreaker.FailureThreshold,
		OpenTimeout:       project.CircuitBreaker.OpenTimeout,
		MaxFailureRate:    DefaultMaxFailureRate,
	}
	if project.Safety.MaxFailureRate != nil {
		rt.MaxFailureRate = *project.Safety.MaxFailureRate
	}
	rt.applyEnvOverrides()
	return rt
}

func (rt *Runtime) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("LATTICE_MAX_CONCURRENCY")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			rt.MaxConcurrency = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("LATTICE_TIMEOUT_MULTIPLIER")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
			rt.TimeoutMultiplier = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("LATTICE_MAX_FAILURE_RATE")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed >= 0 && parsed <= 1 {
			rt.MaxFailureRate = parsed
		}
	}
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Project.normalize(c.ProjectDir)
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.MaxConcurrency == 0 {
		pc.MaxConcurrency = DefaultMaxConcurrency
	}
	if pc.TimeoutMultiplier == 0 {
		pc.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	if pc.DefaultEstimate == 0 {
		pc.DefaultEstimate = DefaultEstimate
	}
	if pc.CircuitBreaker.FailureThreshold == 0 {
		pc.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if pc.CircuitBreaker.OpenTimeout == 0 {
		pc.CircuitBreaker.OpenTimeout = DefaultOpenTimeout
	}
	if pc.Safety.MaxFailureRate == nil {
		rate := DefaultMaxFailureRate
		pc.Safety.MaxFailureRate = &rate
	}
	if pc.Batches.Dir == "" {
		pc.Batches.Dir = DefaultBatchesDir
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.ReportServer.Host = strings.TrimSpace(pc.ReportServer.Host)
	pc.Batches.Dir = resolvePath(base, pc.Batches.Dir)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1")
	}
	if pc.TimeoutMultiplier <= 0 {
		return fmt.Errorf("timeout_multiplier must be > 0")
	}
	if pc.DefaultEstimate < 0 {
		return fmt.Errorf("default_estimate must be >= 0")
	}
	if pc.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if pc.CircuitBreaker.OpenTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.open_timeout must be > 0")
	}
	if rate := pc.Safety.MaxFailureRate; rate != nil && (*rate < 0 || *rate > 1) {
		return fmt.Errorf("safety.max_failure_rate must be within [0,1]")
	}
	if port := pc.ReportServer.Port; port < 0 || port > 65535 {
		return fmt.Errorf("report_server.port must be within 0-65535")
	}
	if pc.ReportServer.RefreshInterval < 0 {
		return fmt.Errorf("report_server.refresh_interval must be >= 0")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}
