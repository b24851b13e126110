package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Channel  ChannelConfig  `yaml:"channel"`
	Presence PresenceConfig `yaml:"presence"`
	Offers   OffersConfig   `yaml:"offers"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig holds the relay bus connection settings.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds credential issuing settings.
type AuthConfig struct {
	Secret string `yaml:"secret"`
}

// ChannelConfig holds event-stream reconnect policy for clients.
type ChannelConfig struct {
	URL        string        `yaml:"url"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// PresenceConfig holds location sampling settings.
type PresenceConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// OffersConfig holds decision-window settings.
type OffersConfig struct {
	DecisionWindow time.Duration `yaml:"decision_window"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, then applies environment
// overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()
	return &config, nil
}

// Default returns a configuration built from defaults and environment
// overrides alone, for deployments that skip the config file.
func Default() *Config {
	var config Config
	config.applyEnv()
	config.applyDefaults()
	return &config
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Auth.Secret = getEnv("AUTH_SECRET", c.Auth.Secret)
	c.Channel.URL = getEnv("CHANNEL_URL", c.Channel.URL)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.Channel.MinBackoff == 0 {
		c.Channel.MinBackoff = time.Second
	}
	if c.Channel.MaxBackoff == 0 {
		c.Channel.MaxBackoff = 30 * time.Second
	}
	if c.Presence.Interval == 0 {
		c.Presence.Interval = 30 * time.Second
	}
	if c.Offers.DecisionWindow == 0 {
		c.Offers.DecisionWindow = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats url is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if c.Channel.MinBackoff > c.Channel.MaxBackoff {
		return fmt.Errorf("channel min_backoff must not exceed max_backoff")
	}
	if c.Offers.DecisionWindow <= 0 {
		return fmt.Errorf("offer decision_window must be greater than 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
