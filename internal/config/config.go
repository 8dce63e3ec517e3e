// Package config provides configuration management for the broker.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the broker configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	// MaxBodyBytes caps the size of request bodies. Oversized bodies get 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// RateLimitPerMinute caps requests per client IP per route per minute.
	// Zero disables rate limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// MultiTenantEnabled exposes the /tenants/{tenant}/namespaces/{namespace}
	// route tree. When false, only the default/default routes are served.
	MultiTenantEnabled bool `yaml:"multi_tenant_enabled"`
}

// StorageConfig represents the file-backed storage roots.
type StorageConfig struct {
	// DataDir is the root for event payload files.
	DataDir string `yaml:"data_dir"`
	// ConfigDir is the root for topic configuration files.
	ConfigDir string `yaml:"config_dir"`
}

// DispatchConfig represents delivery loop configuration.
type DispatchConfig struct {
	CheckIntervalMillis int `yaml:"check_interval_millis"`
	BaseRetryMillis     int `yaml:"base_retry_millis"`
	MaxRetries          int `yaml:"max_retries"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// SecurityConfig represents security configuration.
type SecurityConfig struct {
	Auth  AuthConfig  `yaml:"auth"`
	Audit AuditConfig `yaml:"audit"`
}

// AuthConfig represents authentication configuration. When disabled, every
// request runs as the bootstrap admin.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// AdminEmail and AdminPassword seed the first admin user on an empty
	// management stream. Prefer setting these via SYSTEM_ADMIN_EMAIL and
	// SYSTEM_ADMIN_PASSWORD environment variables.
	AdminEmail    string    `yaml:"admin_email"`
	AdminPassword string    `yaml:"admin_password"`
	JWT           JWTConfig `yaml:"jwt"`
}

// JWTConfig represents configuration for tokens issued by the login endpoint.
type JWTConfig struct {
	// Secret signs tokens with HMAC-SHA256. A random secret is generated at
	// startup when empty, which invalidates tokens across restarts.
	Secret string `yaml:"secret"`
	// TTLMinutes is the token lifetime. Defaults to 60.
	TTLMinutes int `yaml:"ttl_minutes"`
}

// AuditConfig represents audit logging configuration.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	LogFile    string `yaml:"log_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ReadTimeout:        30,
			WriteTimeout:       30,
			MaxBodyBytes:       1 << 20,
			RateLimitPerMinute: 600,
		},
		Storage: StorageConfig{
			DataDir:   "data",
			ConfigDir: "config",
		},
		Dispatch: DispatchConfig{
			CheckIntervalMillis: 500,
			BaseRetryMillis:     1000,
			MaxRetries:          5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Security: SecurityConfig{
			Auth: AuthConfig{
				JWT: JWTConfig{TTLMinutes: 60},
			},
			Audit: AuditConfig{
				LogFile:    "audit.log",
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envString reads the first set variable of the given names.
func envString(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func envBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// applyEnvOverrides applies environment variable overrides. Both the plain
// names (PORT, DATA_DIR, ...) and HOOKLINE_-prefixed names are honored, with
// the prefixed form winning.
func (c *Config) applyEnvOverrides() {
	if v := envString("HOOKLINE_HOST", "HOST"); v != "" {
		c.Server.Host = v
	}
	if v := envString("HOOKLINE_PORT", "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := envString("HOOKLINE_DATA_DIR", "DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := envString("HOOKLINE_CONFIG_DIR", "CONFIG_DIR"); v != "" {
		c.Storage.ConfigDir = v
	}
	if v := envString("HOOKLINE_MAX_BODY_BYTES", "MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxBodyBytes = n
		}
	}
	if v := envString("HOOKLINE_RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.RateLimitPerMinute = n
		}
	}
	if v := envString("HOOKLINE_MULTI_TENANT_ENABLED", "MULTI_TENANT_ENABLED"); v != "" {
		c.Server.MultiTenantEnabled = envBool(v)
	}
	if v := envString("HOOKLINE_LOG_LEVEL", "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := envString("HOOKLINE_LOG_FORMAT", "LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := envString("HOOKLINE_AUTH_ENABLED", "AUTH_ENABLED"); v != "" {
		c.Security.Auth.Enabled = envBool(v)
	}
	if v := envString("HOOKLINE_SYSTEM_ADMIN_EMAIL", "SYSTEM_ADMIN_EMAIL"); v != "" {
		c.Security.Auth.AdminEmail = v
	}
	if v := envString("HOOKLINE_SYSTEM_ADMIN_PASSWORD", "SYSTEM_ADMIN_PASSWORD"); v != "" {
		c.Security.Auth.AdminPassword = v
	}
	if v := envString("HOOKLINE_JWT_SECRET", "JWT_SECRET"); v != "" {
		c.Security.Auth.JWT.Secret = v
	}

	if v := envString("HOOKLINE_AUDIT_ENABLED", "AUDIT_ENABLED"); v != "" {
		c.Security.Audit.Enabled = envBool(v)
	}
	if v := envString("HOOKLINE_AUDIT_LOG_FILE", "AUDIT_LOG_FILE"); v != "" {
		c.Security.Audit.LogFile = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir must not be empty")
	}
	if c.Storage.ConfigDir == "" {
		return fmt.Errorf("storage config_dir must not be empty")
	}
	if c.Server.MaxBodyBytes < 1 {
		return fmt.Errorf("invalid max_body_bytes: %d", c.Server.MaxBodyBytes)
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("invalid rate_limit_per_minute: %d", c.Server.RateLimitPerMinute)
	}
	if c.Dispatch.CheckIntervalMillis < 0 || c.Dispatch.BaseRetryMillis < 0 || c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch settings must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
