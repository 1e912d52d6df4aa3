// ABOUTME: Configuration loading and parsing for sigil-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete sigil-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	State     StateConfig     `yaml:"state"`
	Auth      AuthConfig      `yaml:"auth"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// StateConfig names the on-disk documents the gateway owns
type StateConfig struct {
	// Dir is the base directory; the file fields default relative to it.
	Dir             string `yaml:"dir"`
	CredentialsPath string `yaml:"credentials_path"`
	ConfigPath      string `yaml:"config_path"`
	ApprovalsPath   string `yaml:"approvals_path"`
	AuditDBPath     string `yaml:"audit_db_path"`
}

// AuthConfig holds device authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// ApprovalsConfig holds workflow approval configuration
type ApprovalsConfig struct {
	SweepSchedule  string        `yaml:"sweep_schedule"`
	DefaultTimeout time.Duration `yaml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration without reading any file, suitable when
// no config path is given. State files land under dir.
func Default(dir string) *Config {
	cfg := &Config{
		Server: ServerConfig{ListenAddr: "127.0.0.1:4242"},
		State:  StateConfig{Dir: dir},
	}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.State.Dir == "" {
		c.State.Dir = "."
	}
	if c.State.CredentialsPath == "" {
		c.State.CredentialsPath = filepath.Join(c.State.Dir, "credentials.json")
	}
	if c.State.ConfigPath == "" {
		c.State.ConfigPath = filepath.Join(c.State.Dir, "config.json")
	}
	if c.State.ApprovalsPath == "" {
		c.State.ApprovalsPath = filepath.Join(c.State.Dir, "approvals.json")
	}
	if c.State.AuditDBPath == "" {
		c.State.AuditDBPath = filepath.Join(c.State.Dir, "audit.db")
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * 24 * time.Hour
	}
	if c.Approvals.SweepSchedule == "" {
		c.Approvals.SweepSchedule = "@every 30s"
	}
	if c.Approvals.DefaultTimeout == 0 {
		c.Approvals.DefaultTimeout = 15 * time.Minute
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
	// A listen address is required unless Tailscale carries the listener
	if !c.Tailscale.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Approvals.DefaultTimeoutRaw != "" {
		cfg.Approvals.DefaultTimeout, err = time.ParseDuration(cfg.Approvals.DefaultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_timeout %q: %w", cfg.Approvals.DefaultTimeoutRaw, err)
		}
	}

	return nil
}
