// Package appconfig manages application configuration and data file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/hshell/internal/util"
)

const appName = "hshell"

// SSHConfig tunes transport establishment and liveness.
type SSHConfig struct {
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
	KeepaliveSeconds   int `yaml:"keepalive_seconds"`
	ProbeTimeoutMS     int `yaml:"probe_timeout_ms"`
}

// TunnelConfig tunes local listeners and relays.
type TunnelConfig struct {
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`
	RelayBufferBytes   int `yaml:"relay_buffer_bytes"`
}

// RegistryConfig tunes the connection registry.
type RegistryConfig struct {
	SweepSeconds int `yaml:"sweep_seconds"`
}

// SecurityConfig controls host key trust and error redaction.
type SecurityConfig struct {
	SystemKnownHosts bool `yaml:"system_known_hosts"`
	RedactErrors     bool `yaml:"redact_errors"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the prometheus endpoint of `hshell serve`.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// Config holds application-level configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir,omitempty"`
	SSH      SSHConfig      `yaml:"ssh"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Registry RegistryConfig `yaml:"registry"`
	Security SecurityConfig `yaml:"security"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	UI       UIConfig       `yaml:"ui"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SSH: SSHConfig{
			DialTimeoutSeconds: int(util.DialTimeout / time.Second),
			KeepaliveSeconds:   int(util.KeepaliveInterval / time.Second),
			ProbeTimeoutMS:     int(util.ProbeTimeout / time.Millisecond),
		},
		Tunnel: TunnelConfig{
			StopTimeoutSeconds: int(util.TunnelStopTimeout / time.Second),
			RelayBufferBytes:   util.RelayBufferSize,
		},
		Registry: RegistryConfig{SweepSeconds: int(util.SweepInterval / time.Second)},
		Security: SecurityConfig{RedactErrors: true},
		Log:      LogConfig{Level: "info", Format: "text"},
		UI:       UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// DialTimeout returns the configured TCP dial bound.
func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.SSH.DialTimeoutSeconds) * time.Second
}

// KeepaliveInterval returns the configured keepalive period.
func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.SSH.KeepaliveSeconds) * time.Second
}

// ProbeTimeout returns the configured liveness probe bound.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.SSH.ProbeTimeoutMS) * time.Millisecond
}

// StopTimeout returns the configured listener stop bound.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.Tunnel.StopTimeoutSeconds) * time.Second
}

// SweepInterval returns the configured liveness sweep period.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Registry.SweepSeconds) * time.Second
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/hshell.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// DefaultDataDir returns the directory for servers.json, known_hosts, the
// credential key and the event journal. Uses XDG_DATA_HOME if set, otherwise
// ~/.local/share/hshell.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".local", "share", appName), nil
}

// ResolveDataDir returns the effective data directory.
func (c Config) ResolveDataDir() (string, error) {
	if d := strings.TrimSpace(c.DataDir); d != "" {
		if strings.HasPrefix(d, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("resolve home: %w", err)
			}
			d = filepath.Join(home, d[2:])
		}
		return d, nil
	}
	return DefaultDataDir()
}

// Paths are the data files hshell reads and writes.
type Paths struct {
	Dir        string
	Servers    string
	KnownHosts string
	SecretKey  string
	Events     string
	History    string
	Bundles    string
}

// DataPaths returns the data file layout under the resolved data directory.
func (c Config) DataPaths() (Paths, error) {
	d, err := c.ResolveDataDir()
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		Dir:        d,
		Servers:    filepath.Join(d, "servers.json"),
		KnownHosts: filepath.Join(d, "known_hosts"),
		SecretKey:  filepath.Join(d, "secret.key"),
		Events:     filepath.Join(d, "events.jsonl"),
		History:    filepath.Join(d, "history.json"),
		Bundles:    filepath.Join(d, "bundles.yaml"),
	}, nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.SSH.DialTimeoutSeconds <= 0 {
		cfg.SSH.DialTimeoutSeconds = def.SSH.DialTimeoutSeconds
	}
	if cfg.SSH.KeepaliveSeconds <= 0 {
		cfg.SSH.KeepaliveSeconds = def.SSH.KeepaliveSeconds
	}
	// Probes are capped at one second.
	if cfg.SSH.ProbeTimeoutMS <= 0 || cfg.SSH.ProbeTimeoutMS > 1000 {
		cfg.SSH.ProbeTimeoutMS = def.SSH.ProbeTimeoutMS
	}
	if cfg.Tunnel.StopTimeoutSeconds <= 0 {
		cfg.Tunnel.StopTimeoutSeconds = def.Tunnel.StopTimeoutSeconds
	}
	if cfg.Tunnel.RelayBufferBytes < 512 {
		cfg.Tunnel.RelayBufferBytes = def.Tunnel.RelayBufferBytes
	}
	if cfg.Registry.SweepSeconds <= 0 {
		cfg.Registry.SweepSeconds = def.Registry.SweepSeconds
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		cfg.Log.Level = def.Log.Level
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "text", "json":
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	default:
		cfg.Log.Format = def.Log.Format
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
