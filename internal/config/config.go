// ABOUTME: Configuration loading and parsing for console-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete console-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Events   EventsConfig   `yaml:"events"`
	License  LicenseConfig  `yaml:"license"`
	Setup    SetupConfig    `yaml:"setup"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret          string           `yaml:"jwt_secret"`
	MaxSessionsPerUser int              `yaml:"max_sessions_per_user"`
	Providers          []ProviderConfig `yaml:"providers"`

	AttemptTTL    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AttemptTTLRaw    string `yaml:"attempt_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ProviderConfig declares one enabled authentication provider.
// Type is one of: local, ldap, proxy, sso.
type ProviderConfig struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Header string `yaml:"header,omitempty"` // proxy: trusted user header
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	IdleTimeout  time.Duration `yaml:"-"`
	ReapInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw  string `yaml:"idle_timeout"`
	ReapIntervalRaw string `yaml:"reap_interval"`
}

// EventsConfig holds push transport configuration
type EventsConfig struct {
	Buffer int `yaml:"buffer"`

	PingInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	PingIntervalRaw string `yaml:"ping_interval"`
}

// LicenseConfig holds license enforcement configuration
type LicenseConfig struct {
	Required bool `yaml:"required"`
}

// SetupConfig holds first-time configuration mode state
type SetupConfig struct {
	Complete bool `yaml:"complete"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when a value is absent from the file.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultReapInterval  = 10 * time.Second
	DefaultAttemptTTL    = 5 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultPingInterval  = 30 * time.Second
	DefaultEventBuffer   = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.ReapInterval == 0 {
		c.Sessions.ReapInterval = DefaultReapInterval
	}
	if c.Auth.AttemptTTL == 0 {
		c.Auth.AttemptTTL = DefaultAttemptTTL
	}
	if c.Auth.SweepInterval == 0 {
		c.Auth.SweepInterval = DefaultSweepInterval
	}
	if c.Events.PingInterval == 0 {
		c.Events.PingInterval = DefaultPingInterval
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = DefaultEventBuffer
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	seen := make(map[string]bool)
	for _, p := range c.Auth.Providers {
		if p.ID == "" {
			return fmt.Errorf("auth.providers entries require an id")
		}
		if seen[p.ID] {
			return fmt.Errorf("auth.providers id %q is duplicated", p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case "local", "ldap", "proxy", "sso":
		default:
			return fmt.Errorf("auth.providers %q has unknown type %q", p.ID, p.Type)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.IdleTimeoutRaw != "" {
		cfg.Sessions.IdleTimeout, err = time.ParseDuration(cfg.Sessions.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Sessions.IdleTimeoutRaw, err)
		}
	}

	if cfg.Sessions.ReapIntervalRaw != "" {
		cfg.Sessions.ReapInterval, err = time.ParseDuration(cfg.Sessions.ReapIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing reap_interval %q: %w", cfg.Sessions.ReapIntervalRaw, err)
		}
	}

	if cfg.Auth.AttemptTTLRaw != "" {
		cfg.Auth.AttemptTTL, err = time.ParseDuration(cfg.Auth.AttemptTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing attempt_ttl %q: %w", cfg.Auth.AttemptTTLRaw, err)
		}
	}

	if cfg.Auth.SweepIntervalRaw != "" {
		cfg.Auth.SweepInterval, err = time.ParseDuration(cfg.Auth.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Auth.SweepIntervalRaw, err)
		}
	}

	if cfg.Events.PingIntervalRaw != "" {
		cfg.Events.PingInterval, err = time.ParseDuration(cfg.Events.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Events.PingIntervalRaw, err)
		}
	}

	return nil
}
