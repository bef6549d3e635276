package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agproxy/internal/router"
	"agproxy/internal/scheduler"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{BindAddr: "127.0.0.1", Port: 8045, ControlPort: 8046},
		Auth:   AuthConfig{APIKey: "sk-0123456789abcdef0123456789abcdef"},
		Scheduler: scheduler.ManagerConfig{
			Sticky: scheduler.DefaultStickyConfig(),
			Zai:    scheduler.ZaiSettings{DispatchMode: scheduler.ZaiOff},
		},
	}
}

func TestConfig_ValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestConfig_ValidateRejects(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate(), "port out of range")

	cfg = validConfig()
	cfg.Server.ControlPort = cfg.Server.Port
	assert.Error(t, cfg.Validate(), "control port collision")

	cfg = validConfig()
	cfg.Auth.APIKey = "not-a-key"
	assert.Error(t, cfg.Validate(), "api key prefix")

	cfg = validConfig()
	cfg.Mapping = []router.Rule{{Match: router.MatchRegex, Pattern: "("}}
	assert.Error(t, cfg.Validate(), "bad mapping regex")

	cfg = validConfig()
	cfg.Scheduler.Sticky.Source.Kind = "cookie"
	assert.Error(t, cfg.Validate(), "unknown session key kind")

	cfg = validConfig()
	cfg.Scheduler.Zai.DispatchMode = "sometimes"
	assert.Error(t, cfg.Validate(), "unknown dispatch mode")
}

func TestConfig_LoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddr)
	assert.Equal(t, 8045, cfg.Server.Port)
	assert.True(t, cfg.Scheduler.Sticky.Enabled)
	assert.Equal(t, scheduler.SessionKeyHeader, cfg.Scheduler.Sticky.Source.Kind)
	assert.Equal(t, scheduler.ZaiOff, cfg.Scheduler.Zai.DispatchMode)
	assert.Equal(t, 2, cfg.Retry.MaxAccountSwitches)
	assert.Equal(t, 1000, cfg.Monitor.Capacity)
	require.NoError(t, cfg.Validate())
}
