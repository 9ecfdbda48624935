package reportserver

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lattice-batch/internal/config"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8765
	// DefaultRefreshInterval is how long a monitor snapshot is reused across
	// requests. Watchers polling several endpoints then see one consistent
	// report instead of re-locking the monitor per request.
	DefaultRefreshInterval = 500 * time.Millisecond
)

// Environment variables layered over report_server in config.yaml.
const (
	EnvEnabled = "LATTICE_REPORT_ENABLED"
	EnvHost    = "LATTICE_REPORT_HOST"
	EnvPort    = "LATTICE_REPORT_PORT"
	EnvRefresh = "LATTICE_REPORT_REFRESH"
)

// Settings is the resolved report server configuration.
type Settings struct {
	Enabled bool
	Host    string
	// Port 0 binds an ephemeral port; Server.BaseURL reports the real one.
	Port int
	// RefreshInterval of zero snapshots the monitor on every request.
	RefreshInterval time.Duration
}

// ResolveSettings layers config.yaml, the LATTICE_REPORT_* variables and
// force, in that order. force is the command line's -serve: it enables the
// server whatever the config says. Malformed overrides are errors, and an
// enabled server must have a bindable address.
func ResolveSettings(cfg *config.Config, force bool) (Settings, error) {
	s := Settings{
		Host:            DefaultHost,
		Port:            DefaultPort,
		RefreshInterval: DefaultRefreshInterval,
	}
	if cfg != nil {
		raw := cfg.Project.ReportServer
		if raw.Enabled != nil {
			s.Enabled = *raw.Enabled
		}
		if raw.Host != "" {
			s.Host = raw.Host
		}
		if raw.Port != 0 {
			s.Port = raw.Port
		}
		if raw.RefreshInterval != 0 {
			s.RefreshInterval = raw.RefreshInterval
		}
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	if force {
		s.Enabled = true
	}
	if !s.Enabled {
		return s, nil
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	if value, ok := lookupEnv(EnvEnabled); ok {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("reportserver: %s=%q: %w", EnvEnabled, value, err)
		}
		s.Enabled = enabled
	}
	if value, ok := lookupEnv(EnvHost); ok {
		s.Host = value
	}
	if value, ok := lookupEnv(EnvPort); ok {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("reportserver: %s=%q: %w", EnvPort, value, err)
		}
		s.Port = port
	}
	if value, ok := lookupEnv(EnvRefresh); ok {
		interval, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("reportserver: %s=%q: %w", EnvRefresh, value, err)
		}
		s.RefreshInterval = interval
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

// Validate checks that the settings describe an address Start can bind.
func (s Settings) Validate() error {
	host := strings.TrimSpace(s.Host)
	if host == "" {
		return fmt.Errorf("reportserver: host is required")
	}
	if host != s.Host || !validHost(host) {
		return fmt.Errorf("reportserver: invalid host %q", s.Host)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("reportserver: port %d must be within 0-65535", s.Port)
	}
	if s.RefreshInterval < 0 {
		return fmt.Errorf("reportserver: refresh interval must be >= 0")
	}
	return nil
}

// validHost accepts IP literals and DNS names. Schemes, ports and paths are
// rejected so a pasted URL fails here instead of at listen time.
func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Loopback reports whether the server only listens on the local machine.
// Reports carry command output, so callers warn when this is false.
func (s Settings) Loopback() bool {
	if strings.EqualFold(s.Host, "localhost") {
		return true
	}
	ip := net.ParseIP(s.Host)
	return ip != nil && ip.IsLoopback()
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the configured address.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
