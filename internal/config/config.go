// Package config handles YAML configuration loading with environment
// variable expansion, and the fsnotify-driven reload watcher layered on top
// of it.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration: HTTP server, storage
// backend, and the seed data (providers, users, keys) bootstrapped into the
// store on first run.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Cache       CacheConfig       `yaml:"cache"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Providers   []ProviderEntry   `yaml:"providers"`
	Users       []UserEntry       `yaml:"users"`
}

// MaintenanceConfig controls the background throttle-bucket compaction
// sweep (internal/worker.MaintenanceWorker).
type MaintenanceConfig struct {
	Schedule string `yaml:"schedule"` // standard cron expression, e.g. "@every 1h"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CacheConfig holds the otter response-cache settings (§9 optional stage).
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// ProviderEntry is a provider definition in the config file, matching
// relay.Provider's fields (§3).
type ProviderEntry struct {
	Name                string   `yaml:"name"`
	DisplayName         string   `yaml:"display_name"`
	Handler             string   `yaml:"handler"`               // aistudio, openaicompat, codeassist, codebuddy
	ThrottleMode        string   `yaml:"throttle_mode"`         // BY_KEY or BY_MODEL
	MinThrottleDuration int64    `yaml:"min_throttle_duration"` // minutes
	MaxThrottleDuration int64    `yaml:"max_throttle_duration"` // minutes
	Models              []string `yaml:"models"`                // "baseId[$alias]" entries
	NativeProtocols     []string `yaml:"native_protocols"`      // openai, gemini, anthropic
}

// UserEntry seeds a User and its Keys in the config file. Keys carry
// keyData as an opaque JSON blob (§4.3 step 1's three credential shapes),
// letting one seed file provision any provider's credential format.
type UserEntry struct {
	Token        string            `yaml:"token"`
	DisplayName  string            `yaml:"display_name"`
	ModelAliases map[string]string `yaml:"model_aliases"`
	Keys         []KeyEntry        `yaml:"keys"`
}

// KeyEntry seeds one Key under its owning UserEntry.
type KeyEntry struct {
	Provider        string   `yaml:"provider"`
	KeyData         string   `yaml:"key_data"` // raw JSON, passed through to relay.Key.KeyData
	BaseURL         string   `yaml:"base_url"`
	AvailableModels []string `yaml:"available_models"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "relay.db",
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Maintenance: MaintenanceConfig{
			Schedule: "@every 1h",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
