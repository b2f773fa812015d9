// Package config manages the slipbridge daemon configuration using
// koanf/v2.
//
// Supports a YAML file overlaid by environment variables; there is no
// command-line flag layer.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete slipbridge daemon configuration.
type Config struct {
	TCP     TCPConfig     `koanf:"tcp"`
	MQTT    MQTTConfig    `koanf:"mqtt"`
	Catalog CatalogConfig `koanf:"catalog"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// TCPConfig holds the ingress listener configuration.
type TCPConfig struct {
	// Bind is the listen address (e.g., "0.0.0.0").
	Bind string `koanf:"bind"`
	// Port is the listen port.
	Port uint16 `koanf:"port"`
}

// Addr returns the TCP listen address in host:port form.
func (c TCPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// MQTTConfig holds the broker connection configuration. Broker, if
// set, takes precedence over Host/Port (original_source accepted
// either form; this keeps both).
type MQTTConfig struct {
	// Broker is a full "tcp://host:port" (or "ssl://host:port") URL.
	// When set it takes precedence over Host/Port.
	Broker string `koanf:"broker"`
	// Host is the broker hostname, used when Broker is empty.
	Host string `koanf:"host"`
	// Port is the broker port, used when Broker is empty.
	Port uint16 `koanf:"port"`
	// ClientID is the MQTT client identifier.
	ClientID string `koanf:"client_id"`
}

// URL returns the broker connection URL, preferring Broker when set.
func (c MQTTConfig) URL() string {
	if c.Broker != "" {
		return c.Broker
	}
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// CatalogSourceConfig describes one packet-definition directory to
// load at startup.
type CatalogSourceConfig struct {
	// Path is the root directory to walk.
	Path string `koanf:"path"`
	// Patterns are filename globs matched during the walk. Defaults to
	// ["*.yaml", "*.yml"] when empty.
	Patterns []string `koanf:"patterns"`
}

// CatalogConfig holds the packet catalog loading configuration.
type CatalogConfig struct {
	Sources []CatalogSourceConfig `koanf:"sources"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// defaultPatterns are the glob patterns applied to a catalog source
// that declares none, matching original_source's packet_defs defaults.
var defaultPatterns = []string{"*.yaml", "*.yml"}

// DefaultConfig returns a Config populated with sensible defaults,
// matching original_source's TcpConfig/MqttConfig defaults.
func DefaultConfig() *Config {
	return &Config{
		TCP: TCPConfig{
			Bind: "0.0.0.0",
			Port: 12345,
		},
		MQTT: MQTTConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "slipbridge",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for slipbridge
// configuration. Variables are named SLIPBRIDGE_<section>_<key>, e.g.,
// SLIPBRIDGE_TCP_PORT.
const envPrefix = "SLIPBRIDGE_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (SLIPBRIDGE_ prefix), and merges on
// top of DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	SLIPBRIDGE_TCP_BIND       -> tcp.bind
//	SLIPBRIDGE_TCP_PORT       -> tcp.port
//	SLIPBRIDGE_MQTT_BROKER    -> mqtt.broker
//	SLIPBRIDGE_MQTT_HOST      -> mqtt.host
//	SLIPBRIDGE_MQTT_PORT      -> mqtt.port
//	SLIPBRIDGE_MQTT_CLIENT_ID -> mqtt.client_id (see envKeyMapper)
//	SLIPBRIDGE_LOG_LEVEL      -> log.level
//	SLIPBRIDGE_LOG_FORMAT     -> log.format
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i, src := range cfg.Catalog.Sources {
		if len(src.Patterns) == 0 {
			cfg.Catalog.Sources[i].Patterns = defaultPatterns
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms SLIPBRIDGE_MQTT_CLIENT_ID -> mqtt.client_id.
// Strips the prefix, lowercases, and maps only the first remaining
// underscore to a section separator; subsequent underscores are left
// literal since keys like client_id contain one themselves.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	return section + "." + rest
}

// loadDefaults marshals the default config into koanf as the base
// layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"tcp.bind":       defaults.TCP.Bind,
		"tcp.port":       defaults.TCP.Port,
		"mqtt.host":      defaults.MQTT.Host,
		"mqtt.port":      defaults.MQTT.Port,
		"mqtt.client_id": defaults.MQTT.ClientID,
		"log.level":      defaults.Log.Level,
		"log.format":     defaults.Log.Format,
		"metrics.addr":   defaults.Metrics.Addr,
		"metrics.path":   defaults.Metrics.Path,
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
	// ErrEmptyBindAddress indicates the TCP bind address is empty.
	ErrEmptyBindAddress = errors.New("tcp.bind must not be empty")

	// ErrInvalidPort indicates the TCP port is zero.
	ErrInvalidPort = errors.New("tcp.port must be nonzero")

	// ErrEmptyMQTTTarget indicates neither mqtt.broker nor mqtt.host/port
	// was configured.
	ErrEmptyMQTTTarget = errors.New("mqtt.broker or mqtt.host must be set")

	// ErrNoCatalogSources indicates no catalog source directories were
	// configured; the bridge would have nothing to match against.
	ErrNoCatalogSources = errors.New("catalog.sources must declare at least one path")

	// ErrEmptySourcePath indicates a catalog source has an empty path.
	ErrEmptySourcePath = errors.New("catalog source path must not be empty")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.TCP.Bind == "" {
		return ErrEmptyBindAddress
	}
	if cfg.TCP.Port == 0 {
		return ErrInvalidPort
	}
	if cfg.MQTT.Broker == "" && cfg.MQTT.Host == "" {
		return ErrEmptyMQTTTarget
	}
	if len(cfg.Catalog.Sources) == 0 {
		return ErrNoCatalogSources
	}
	for i, src := range cfg.Catalog.Sources {
		if src.Path == "" {
			return fmt.Errorf("catalog.sources[%d]: %w", i, ErrEmptySourcePath)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
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
