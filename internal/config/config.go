// ABOUTME: Configuration loading and parsing for remoteiq-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "REMOTEIQ_CONFIG"

// MinJWTSecretLength mirrors the verifier's requirement so bad configs fail at load time.
const MinJWTSecretLength = 32

// Config represents the complete remoteiq-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health endpoint; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve the HTTP API on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose the HTTP API publicly (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	// EnrollmentSecret is the shared secret agents present to enroll.
	// A value starting with "$2" is treated as a bcrypt hash.
	EnrollmentSecret string `yaml:"enrollment_secret" toml:"enrollment_secret"`

	TokenCacheTTL    time.Duration `yaml:"-" toml:"-"`
	TokenCacheTTLRaw string        `yaml:"token_cache_ttl" toml:"token_cache_ttl"`
}

// AgentsConfig holds agent connection timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
}

// JobsConfig holds job defaults and maintenance schedules
type JobsConfig struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	StuckAfter     time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`

	// Cron expressions (robfig/cron syntax, seconds field optional).
	// An empty redispatch schedule disables periodic redispatch.
	StuckCheckSchedule string `yaml:"stuck_check_schedule" toml:"stuck_check_schedule"`
	RedispatchSchedule string `yaml:"redispatch_schedule" toml:"redispatch_schedule"`

	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	StuckAfterRaw     string `yaml:"stuck_after" toml:"stuck_after"`
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults applied when a field is omitted.
const (
	DefaultDriver             = "sqlite"
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultHeartbeatTimeout   = 90 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultTokenCacheTTL      = 30 * time.Second
	DefaultJobTimeout         = 5 * time.Minute
	DefaultStuckAfter         = time.Hour
	DefaultIdempotencyTTL     = 24 * time.Hour
	DefaultStuckCheckSchedule = "@every 5m"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file: explicit flag value, then $REMOTEIQ_CONFIG,
// then $XDG_CONFIG_HOME/remoteiq/gateway.yaml (or ~/.config/remoteiq/gateway.yaml).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "gateway.yaml")
}

// ConfigDir returns the remoteiq config directory following XDG conventions.
// bootstrap writes operator tokens here.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "remoteiq")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "remoteiq")
	}
	return filepath.Join(home, ".config", "remoteiq")
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Auth.TokenCacheTTL == 0 {
		c.Auth.TokenCacheTTL = DefaultTokenCacheTTL
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Agents.WriteTimeout == 0 {
		c.Agents.WriteTimeout = DefaultWriteTimeout
	}
	if c.Jobs.DefaultTimeout == 0 {
		c.Jobs.DefaultTimeout = DefaultJobTimeout
	}
	if c.Jobs.StuckAfter == 0 {
		c.Jobs.StuckAfter = DefaultStuckAfter
	}
	if c.Jobs.IdempotencyTTL == 0 {
		c.Jobs.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.Jobs.StuckCheckSchedule == "" {
		c.Jobs.StuckCheckSchedule = DefaultStuckCheckSchedule
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}
	if c.Auth.EnrollmentSecret == "" {
		return fmt.Errorf("auth.enrollment_secret is required")
	}

	if c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must exceed agents.heartbeat_interval (%s)",
			c.Agents.HeartbeatTimeout, c.Agents.HeartbeatInterval)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_cache_ttl", cfg.Auth.TokenCacheTTLRaw, &cfg.Auth.TokenCacheTTL},
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"agents.write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
		{"jobs.default_timeout", cfg.Jobs.DefaultTimeoutRaw, &cfg.Jobs.DefaultTimeout},
		{"jobs.stuck_after", cfg.Jobs.StuckAfterRaw, &cfg.Jobs.StuckAfter},
		{"jobs.idempotency_ttl", cfg.Jobs.IdempotencyTTLRaw, &cfg.Jobs.IdempotencyTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
