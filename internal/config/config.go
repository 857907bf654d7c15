// Package config loads and validates the host configuration. Files are YAML
// (or JSON5), support environment variable expansion and $include directives,
// and decode strictly: unknown keys are errors.
package config

import (
	"fmt"
	"time"
)

// Config is the root host configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Janitor JanitorConfig `yaml:"janitor"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects and configures the state store backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `yaml:"driver"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`

	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// RuntimeConfig tunes the request lifecycle.
type RuntimeConfig struct {
	// StreamCeiling bounds how long persistence waits behind an unsettled
	// stream completion signal.
	StreamCeiling time.Duration `yaml:"stream_ceiling"`

	// DrainGrace bounds how long shutdown waits for in-flight requests to
	// finish draining background tasks.
	DrainGrace time.Duration `yaml:"drain_grace"`
}

// JanitorConfig configures the expired-state sweeper.
type JanitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression; defaults to hourly.
	Schedule string `yaml:"schedule"`

	// TTL is the retention window for state envelopes.
	TTL time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  0, // streams disable the write deadline
			ShutdownGrace: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "strand.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Runtime: RuntimeConfig{
			StreamCeiling: 10 * time.Minute,
			DrainGrace:    30 * time.Second,
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "0 * * * *",
			TTL:      30 * 24 * time.Hour,
		},
	}
}

// Load reads, merges, and validates the configuration at path. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	// Decoding over the defaults leaves omitted fields at their default
	// values, sections included.
	if err := decodeRawConfig(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	if c.Runtime.StreamCeiling < 0 || c.Runtime.DrainGrace < 0 {
		return fmt.Errorf("runtime durations must be non-negative")
	}
	if c.Janitor.Enabled && c.Janitor.TTL <= 0 {
		return fmt.Errorf("janitor.ttl must be positive when the janitor is enabled")
	}
	return nil
}
