// Package config loads host configuration from an optional YAML file and
// MUX_* environment variables. Environment values win over the file, the
// file wins over Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// MaxHealthTimeout bounds the backend liveness probe.
const MaxHealthTimeout = 2 * time.Second

// Config holds all host configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Terminal TerminalConfig `yaml:"terminal"`
	Health   HealthConfig   `yaml:"health"`
	Journal  JournalConfig  `yaml:"journal"`
	Control  ControlConfig  `yaml:"control"`
	Logging  LogConfig      `yaml:"logging"`
}

// ServerConfig holds the loopback HTTP surface configuration.
type ServerConfig struct {
	Addr    string `yaml:"addr" envconfig:"MUX_HTTP_ADDR"`
	Enabled bool   `yaml:"enabled" envconfig:"MUX_HTTP_ENABLED"`
	// Token, when set, must accompany every request but /api/health.
	Token string `yaml:"token" envconfig:"MUX_HTTP_TOKEN"`
}

// BackendConfig describes the sidecar executable. Path "self" re-executes
// the host binary with the stub-backend subcommand.
type BackendConfig struct {
	Path      string   `yaml:"path" envconfig:"MUX_BACKEND_PATH"`
	Args      []string `yaml:"args" envconfig:"MUX_BACKEND_ARGS"`
	Dir       string   `yaml:"dir" envconfig:"MUX_BACKEND_DIR"`
	AutoStart bool     `yaml:"autoStart" envconfig:"MUX_BACKEND_AUTOSTART"`
}

// TerminalConfig holds PTY session defaults.
type TerminalConfig struct {
	Shell      string        `yaml:"shell" envconfig:"MUX_SHELL"`
	Cols       uint16        `yaml:"cols" envconfig:"MUX_TERM_COLS"`
	Rows       uint16        `yaml:"rows" envconfig:"MUX_TERM_ROWS"`
	ReadChunk  int           `yaml:"readChunk" envconfig:"MUX_TERM_READ_CHUNK"`
	PollWindow time.Duration `yaml:"pollWindow" envconfig:"MUX_TERM_POLL_WINDOW"`
}

// HealthConfig holds backend probe settings.
type HealthConfig struct {
	Path    string        `yaml:"path" envconfig:"MUX_HEALTH_PATH"`
	Timeout time.Duration `yaml:"timeout" envconfig:"MUX_HEALTH_TIMEOUT"`
}

// JournalConfig holds the lifecycle journal settings.
type JournalConfig struct {
	Path    string `yaml:"path" envconfig:"MUX_JOURNAL_PATH"`
	Enabled bool   `yaml:"enabled" envconfig:"MUX_JOURNAL_ENABLED"`
}

// ControlConfig holds the control socket settings.
type ControlConfig struct {
	SocketPath string `yaml:"socketPath" envconfig:"MUX_CONTROL_SOCKET"`
	PIDPath    string `yaml:"pidPath" envconfig:"MUX_CONTROL_PID"`
	Enabled    bool   `yaml:"enabled" envconfig:"MUX_CONTROL_ENABLED"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level" envconfig:"MUX_LOG_LEVEL"`
	Development bool   `yaml:"development" envconfig:"MUX_LOG_DEV"`
}

// HomeDir returns the host's state directory, ~/.muxhost.
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".muxhost"), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	dir, err := HomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir, err := HomeDir()
	if err != nil {
		dir = filepath.Join(os.TempDir(), "muxhost")
	}
	return &Config{
		Server: ServerConfig{
			Addr:    "127.0.0.1:8765",
			Enabled: true,
		},
		Backend: BackendConfig{
			Path:      "mup-server",
			AutoStart: true,
		},
		Terminal: TerminalConfig{
			Cols:       80,
			Rows:       24,
			ReadChunk:  8 * 1024,
			PollWindow: 10 * time.Millisecond,
		},
		Health: HealthConfig{
			Path:    "/health",
			Timeout: MaxHealthTimeout,
		},
		Journal: JournalConfig{
			Path:    filepath.Join(dir, "journal.db"),
			Enabled: true,
		},
		Control: ControlConfig{
			SocketPath: filepath.Join(dir, "control.sock"),
			PIDPath:    filepath.Join(dir, "host.pid"),
			Enabled:    true,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (a
// missing file is not an error), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns Default on any error.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

func (c *Config) mergeFile(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.Terminal.Cols == 0 || c.Terminal.Rows == 0 {
		return fmt.Errorf("terminal geometry must be positive, got %dx%d", c.Terminal.Cols, c.Terminal.Rows)
	}
	if c.Terminal.ReadChunk <= 0 {
		return fmt.Errorf("terminal read chunk must be positive")
	}
	if c.Terminal.PollWindow <= 0 {
		return fmt.Errorf("terminal poll window must be positive")
	}
	if c.Health.Timeout <= 0 || c.Health.Timeout > MaxHealthTimeout {
		return fmt.Errorf("health timeout must be in (0, %s], got %s", MaxHealthTimeout, c.Health.Timeout)
	}
	if !strings.HasPrefix(c.Health.Path, "/") {
		return fmt.Errorf("health path must start with /")
	}
	return nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
