// Package config provides configuration types and defaults for servhost.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/tracing"
)

// Config holds all configuration options for servhost.
type Config struct {
	Store   StoreConfig    `mapstructure:"store"`
	Server  ServerConfig   `mapstructure:"server"`
	UI      UIConfig       `mapstructure:"ui"`
	Log     LogConfig      `mapstructure:"log"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Watch   WatchConfig    `mapstructure:"watch"`
}

// StoreConfig locates the registration store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
	// CacheTTL bounds how long a node lookup stays cached. Zero keeps
	// entries until the store reports a change.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ServerConfig configures the activation listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// UIConfig holds trace window options.
type UIConfig struct {
	Enabled bool `mapstructure:"enabled"` // Show the trace window when attached to a terminal
}

// LogConfig holds the base logging options. Per-class overrides live in the
// registration store.
type LogConfig struct {
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

// WatchConfig controls reloading of stored logging settings.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Environment variables read in addition to the config file.
const (
	EnvDebug = "SERVHOST_DEBUG"
	EnvLog   = "SERVHOST_LOG"
)

// DefaultAddr is the activation listener address when none is configured.
const DefaultAddr = "127.0.0.1:7390"

// LocalConfigPath is the project-local config location checked before the
// user config.
var LocalConfigPath = filepath.Join(".servhost", "config.yaml")

// UserConfigDir returns ~/.config/servhost, or "" if the home directory is
// unavailable.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "servhost")
}

// DefaultStorePath returns ~/.config/servhost/store.db, falling back to a
// path relative to the working directory.
func DefaultStorePath() string {
	dir := UserConfigDir()
	if dir == "" {
		return filepath.Join(".servhost", "store.db")
	}
	return filepath.Join(dir, "store.db")
}

// DefaultTracesFilePath returns ~/.config/servhost/traces/traces.jsonl or
// empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	dir := UserConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tc := tracing.DefaultConfig()
	tc.FilePath = DefaultTracesFilePath()
	return Config{
		Store: StoreConfig{
			Path:     DefaultStorePath(),
			CacheTTL: 5 * time.Minute,
		},
		Server: ServerConfig{Addr: DefaultAddr},
		UI:     UIConfig{Enabled: true},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: tc,
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 500 * time.Millisecond,
		},
	}
}

// SetDefaults registers every default with v so unset keys unmarshal to them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.cache_ttl", d.Store.CacheTTL)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("ui.enabled", d.UI.Enabled)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("watch.enabled", d.Watch.Enabled)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
}

// Load reads configuration into a Config. Lookup order:
//  1. explicit (the --config flag), which must exist
//  2. .servhost/config.yaml in the working directory
//  3. ~/.config/servhost/config.yaml
//
// When nothing is found a default file is written to the user config dir
// and the defaults are returned. The second result is the file used, if any.
func Load(v *viper.Viper, explicit string) (Config, string, error) {
	SetDefaults(v)
	v.SetConfigType("yaml")

	switch {
	case explicit != "":
		v.SetConfigFile(explicit)
	case fileExists(LocalConfigPath):
		v.SetConfigFile(LocalConfigPath)
	default:
		if dir := UserConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return Config{}, "", fmt.Errorf("reading config: %w", err)
		}
		if dir := UserConfigDir(); dir != "" {
			path := filepath.Join(dir, "config.yaml")
			if writeErr := WriteDefaultConfig(path); writeErr == nil {
				v.SetConfigFile(path)
				_ = v.ReadInConfig()
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("decoding config: %w", err)
	}
	applyEnv(&cfg)
	log.Debug(log.CatConfig, "Loaded config", "file", v.ConfigFileUsed(), "store", cfg.Store.Path)
	return cfg, v.ConfigFileUsed(), nil
}

// applyEnv lets SERVHOST_LOG pick the log file and SERVHOST_DEBUG force
// debug level.
func applyEnv(cfg *Config) {
	if p := os.Getenv(EnvLog); p != "" {
		cfg.Log.Path = p
	}
	if os.Getenv(EnvDebug) != "" {
		cfg.Log.Level = "debug"
		if cfg.Log.Path == "" {
			cfg.Log.Path = "debug.log"
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks cfg for errors. Empty optional values are accepted.
func Validate(cfg Config) error {
	if cfg.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if cfg.Store.CacheTTL < 0 {
		return fmt.Errorf("store.cache_ttl must not be negative, got %s", cfg.Store.CacheTTL)
	}
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		return fmt.Errorf("server.addr must be host:port, got %q: %w", cfg.Server.Addr, err)
	}
	if cfg.Log.Level != "" {
		if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	if cfg.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative, got %s", cfg.Watch.Debounce)
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tc tracing.Config) error {
	if tc.SampleRate < 0.0 || tc.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tc.SampleRate)
	}

	switch tc.Exporter {
	case "", tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout, tracing.ExporterOTLP:
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tc.Exporter)
	}

	if tc.Enabled {
		if tc.Exporter == tracing.ExporterFile && tc.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tc.Exporter == tracing.ExporterOTLP && tc.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# servhost configuration

# Registration store
store:
  # path: ~/.config/servhost/store.db   # SQLite file holding class registrations
  cache_ttl: 5m                          # Node lookup cache lifetime (0 = until the file changes)

# Activation listener
server:
  addr: 127.0.0.1:7390

# Trace window (only shown when attached to a terminal and not --embedding)
ui:
  enabled: true

# Base logging. Per-class overrides are set with 'servhost logging'.
log:
  # path: servhost.log   # Log file (also SERVHOST_LOG)
  level: info            # debug, info, warn, error (SERVHOST_DEBUG forces debug)

# Reload stored logging settings when the store file changes
watch:
  enabled: true
  debounce: 500ms

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/servhost/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
