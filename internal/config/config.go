// Package config manages gotcd daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gotcd configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Session SessionConfig `koanf:"session"`
	Status  StatusConfig  `koanf:"status"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ServerConfig holds the TCP listener configuration.
type ServerConfig struct {
	// Host is the listen host (name or address).
	Host string `koanf:"host"`

	// Port is the TCP listen port.
	Port int `koanf:"port"`

	// MaxLineBytes caps a single request line, newline included.
	MaxLineBytes int `koanf:"max_line_bytes"`

	// SendBuffer is the per-client outbound queue length. A client
	// whose queue fills up is dropped as a slow consumer.
	SendBuffer int `koanf:"send_buffer"`

	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listener address in host:port form.
func (sc ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", sc.Host, sc.Port)
}

// SessionConfig holds session registry behavior.
type SessionConfig struct {
	// GCEmpty deletes a session when its last member leaves or
	// disconnects. Off by default: empty sessions persist.
	GCEmpty bool `koanf:"gc_empty"`
}

// StatusConfig holds the periodic status reporter configuration.
type StatusConfig struct {
	// Enabled turns the reporter on or off.
	Enabled bool `koanf:"enabled"`

	// Interval is the time between status log lines.
	Interval time.Duration `koanf:"interval"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP endpoint on or off.
	Enabled bool `koanf:"enabled"`

	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`

	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			MaxLineBytes:    64 * 1024,
			SendBuffer:      256,
			ShutdownTimeout: 5 * time.Second,
		},
		Session: SessionConfig{
			GCEmpty: false,
		},
		Status: StatusConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9100",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gotcd configuration.
// Variables are named GOTC_<section>_<key>, e.g., GOTC_SERVER_PORT.
const envPrefix = "GOTC_"

// Load reads configuration from a YAML file at path (skipped when path
// is empty), overlays environment variable overrides (GOTC_ prefix),
// and merges on top of DefaultConfig(). Missing fields inherit
// defaults.
//
// Environment variable mapping:
//
//	GOTC_SERVER_HOST     -> server.host
//	GOTC_SERVER_PORT     -> server.port
//	GOTC_STATUS_ENABLED  -> status.enabled
//	GOTC_METRICS_ADDR    -> metrics.addr
//	GOTC_LOG_LEVEL       -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	// GOTC_SERVER_PORT -> server.port (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOTC_SERVER_PORT -> server.port.
// Strips the GOTC_ prefix, lowercases, and replaces _ with .
//
// Keys whose leaf names contain underscores (e.g. max_line_bytes) are
// mapped explicitly because the generic rule would split them.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)

	if mapped, ok := envKeyOverrides[s]; ok {
		return mapped
	}

	return strings.ReplaceAll(s, "_", ".")
}

// envKeyOverrides maps environment keys whose leaf names contain
// underscores.
var envKeyOverrides = map[string]string{
	"server_max_line_bytes":   "server.max_line_bytes",
	"server_send_buffer":      "server.send_buffer",
	"server_shutdown_timeout": "server.shutdown_timeout",
	"session_gc_empty":        "session.gc_empty",
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.host":             defaults.Server.Host,
		"server.port":             defaults.Server.Port,
		"server.max_line_bytes":   defaults.Server.MaxLineBytes,
		"server.send_buffer":      defaults.Server.SendBuffer,
		"server.shutdown_timeout": defaults.Server.ShutdownTimeout.String(),
		"session.gc_empty":        defaults.Session.GCEmpty,
		"status.enabled":          defaults.Status.Enabled,
		"status.interval":         defaults.Status.Interval.String(),
		"metrics.enabled":         defaults.Metrics.Enabled,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPort indicates a port outside 1-65535.
	ErrInvalidPort = errors.New("server.port must be between 1 and 65535")

	// ErrInvalidMaxLine indicates a line cap too small to frame requests.
	ErrInvalidMaxLine = errors.New("server.max_line_bytes must be >= 1024")

	// ErrInvalidSendBuffer indicates a non-positive send queue length.
	ErrInvalidSendBuffer = errors.New("server.send_buffer must be >= 1")

	// ErrInvalidShutdownTimeout indicates a non-positive drain deadline.
	ErrInvalidShutdownTimeout = errors.New("server.shutdown_timeout must be > 0")

	// ErrInvalidStatusInterval indicates a non-positive reporter interval.
	ErrInvalidStatusInterval = errors.New("status.interval must be > 0")

	// ErrEmptyMetricsAddr indicates metrics are enabled without an address.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty when metrics are enabled")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return ErrInvalidPort
	}

	if cfg.Server.MaxLineBytes < 1024 {
		return ErrInvalidMaxLine
	}

	if cfg.Server.SendBuffer < 1 {
		return ErrInvalidSendBuffer
	}

	if cfg.Server.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}

	if cfg.Status.Enabled && cfg.Status.Interval <= 0 {
		return ErrInvalidStatusInterval
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
