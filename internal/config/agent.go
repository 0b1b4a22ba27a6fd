package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentConfig holds workstation agent configuration. The agent talks to one
// server; every blocking server call shares the same timeout and retry policy.
type AgentConfig struct {
	Server AgentServerConfig `mapstructure:"server"`
	Notify NotifyConfig      `mapstructure:"notify"`
	Logging LoggingConfig    `mapstructure:"logging"`
}

// AgentServerConfig holds the server endpoint and retry policy.
type AgentServerConfig struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	// SkipTLSVerify disables certificate verification for self-signed
	// development servers. Never enable in production.
	SkipTLSVerify bool `mapstructure:"skip_tls_verify"`
}

// NotifyConfig holds the push notification channel settings.
type NotifyConfig struct {
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// LoadAgent loads agent configuration from file and environment variables.
// The agent uses the same USBGATE_ prefix as the server; the two never run
// from the same config file.
func LoadAgent(configPath string) (*AgentConfig, error) {
	v := viper.New()

	v.SetDefault("server.url", "http://localhost:8443")
	v.SetDefault("server.timeout", "5s")
	v.SetDefault("server.retry_attempts", 3)
	v.SetDefault("server.retry_delay", "1s")
	v.SetDefault("server.skip_tls_verify", false)
	v.SetDefault("notify.reconnect_delay", "5s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/usbgate")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("USBGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	keys := []string{
		"server.url",
		"server.timeout",
		"server.retry_attempts",
		"server.retry_delay",
		"server.skip_tls_verify",
		"notify.reconnect_delay",
		"logging.level",
		"logging.format",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return fmt.Errorf("server.url must start with http:// or https://: %s", c.Server.URL)
	}
	if c.Server.RetryAttempts < 1 {
		return fmt.Errorf("server.retry_attempts must be at least 1, got %d", c.Server.RetryAttempts)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	return nil
}
