// Package config loads and validates configuration for the usbgate server and
// agent using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the USBGATE_ prefix (e.g.
// USBGATE_SERVER_PORT overrides server.port in the YAML). This layering allows
// the same binary to run with a config.yaml in local development and with pure
// environment variables under systemd or in containerized deployments.
//
// The BLOCK_CIPHER_KEY and STREAM_CIPHER_KEY variables have no USBGATE_ prefix
// because they may be injected by infrastructure tooling (e.g., Kubernetes
// secrets, Vault agent) that does not know the application-specific prefix and
// treats them as generic secret names.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Requests RequestsConfig `mapstructure:"requests"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the embedded SQLite store configuration
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// GetDSN returns the SQLite connection string. Foreign keys are enforced per
// connection and busy_timeout keeps concurrent handler writes from failing
// immediately with SQLITE_BUSY.
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", d.Path)
}

// CryptoConfig holds the at-rest identifier encryption keys. Each key is
// either a hex string (as produced by the keygen subcommand) or raw bytes.
type CryptoConfig struct {
	BlockKey  string `mapstructure:"block_key"`
	StreamKey string `mapstructure:"stream_key"`
}

// DecodeKey interprets a configured key value: even-length valid hex decodes
// to its byte value, anything else is used as raw UTF-8 bytes. Hex is what
// keygen emits; the raw form keeps hand-written development keys working.
func DecodeKey(value string) []byte {
	if len(value) >= 8 && len(value)%2 == 0 {
		if raw, err := hex.DecodeString(value); err == nil {
			return raw
		}
	}
	return []byte(value)
}

// AdminConfig holds administrator credentials and session settings.
// PasswordHash is a bcrypt hash; plaintext passwords are never configured.
type AdminConfig struct {
	Username     string        `mapstructure:"username"`
	PasswordHash string        `mapstructure:"password_hash"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
}

// SecurityConfig holds TLS and rate limiting configuration
type SecurityConfig struct {
	TLS          TLSConfig          `mapstructure:"tls"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus side-channel configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// RequestsConfig holds authorization-request housekeeping settings
type RequestsConfig struct {
	// RetentionDays is how long processed (approved or denied) requests are
	// kept before the cleanup job deletes them. Pending requests are exempt.
	RetentionDays int `mapstructure:"retention_days"`
	// CleanupInterval determines how often the cleanup job runs.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv alone does not surface env-only values through Unmarshal with
// nested structs, so every key is bound by hand.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		"database.path",
		"database.max_connections",

		"crypto.block_key",
		"crypto.stream_key",

		"admin.username",
		"admin.password_hash",
		"admin.session_ttl",

		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		"logging.level",
		"logging.format",

		"metrics.enabled",
		"metrics.port",

		"requests.retention_days",
		"requests.cleanup_interval",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads server configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/usbgate")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; rely on defaults and environment variables.
	}

	v.SetEnvPrefix("USBGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Unprefixed secret names fill in keys not configured through the YAML
	// file or the prefixed variables bound above.
	if key := os.Getenv("BLOCK_CIPHER_KEY"); key != "" && !v.IsSet("crypto.block_key") {
		cfg.Crypto.BlockKey = key
	}
	if key := os.Getenv("STREAM_CIPHER_KEY"); key != "" && !v.IsSet("crypto.stream_key") {
		cfg.Crypto.StreamKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.path", "./data/usbgate.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.session_ttl", "12h")

	v.SetDefault("security.tls.enabled", false)
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("requests.retention_days", 30)
	v.SetDefault("requests.cleanup_interval", "24h")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Crypto.BlockKey == "" {
		return fmt.Errorf("crypto.block_key is required (generate one with the keygen subcommand)")
	}
	if c.Crypto.StreamKey == "" {
		return fmt.Errorf("crypto.stream_key is required (generate one with the keygen subcommand)")
	}
	if n := len(DecodeKey(c.Crypto.BlockKey)); n < 4 || n > 56 {
		return fmt.Errorf("crypto.block_key must decode to 4-56 bytes, got %d", n)
	}
	if n := len(DecodeKey(c.Crypto.StreamKey)); n < 5 || n > 256 {
		return fmt.Errorf("crypto.stream_key must decode to 5-256 bytes, got %d", n)
	}

	if c.Admin.Username == "" {
		return fmt.Errorf("admin.username is required")
	}
	if c.Admin.PasswordHash == "" {
		return fmt.Errorf("admin.password_hash is required (bcrypt; generate with the hash subcommand)")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}
