package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
				assert.Equal(t, "local-dev-secret", cfg.Auth.Secret)
				assert.Equal(t, "ws://localhost:8080/ws", cfg.Channel.URL)
				assert.Equal(t, 30*time.Second, cfg.Presence.Interval)
				assert.Equal(t, 30*time.Second, cfg.Offers.DecisionWindow)
				assert.Equal(t, "debug", cfg.Logging.Level)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, time.Second, cfg.Channel.MinBackoff)
	assert.Equal(t, 30*time.Second, cfg.Channel.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Presence.Interval)
	assert.Equal(t, 30*time.Second, cfg.Offers.DecisionWindow)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("AUTH_SECRET", "env-secret")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := Default()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "env-secret", cfg.Auth.Secret)
	assert.Equal(t, "warn", cfg.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.Secret = "secret"
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "missing nats url",
			mutate:    func(c *Config) { c.NATS.URL = "" },
			wantErr:   true,
			errString: "nats url is required",
		},
		{
			name:      "missing auth secret",
			mutate:    func(c *Config) { c.Auth.Secret = "" },
			wantErr:   true,
			errString: "auth secret is required",
		},
		{
			name:      "inverted backoff bounds",
			mutate:    func(c *Config) { c.Channel.MinBackoff = time.Minute },
			wantErr:   true,
			errString: "min_backoff",
		},
		{
			name:      "non-positive decision window",
			mutate:    func(c *Config) { c.Offers.DecisionWindow = -time.Second },
			wantErr:   true,
			errString: "decision_window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
