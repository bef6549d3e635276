package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agproxy/internal/monitor"
	"agproxy/internal/ratelimit"
	"agproxy/internal/retry"
	"agproxy/internal/router"
	"agproxy/internal/scheduler"
	"agproxy/internal/service"
	"agproxy/internal/upstream"
)

// Config is the full gateway configuration
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Auth        AuthConfig              `mapstructure:"auth"`
	Accounts    AccountsConfig          `mapstructure:"accounts"`
	Storage     StorageConfig           `mapstructure:"storage"`
	Scheduler   scheduler.ManagerConfig `mapstructure:"scheduler"`
	RateLimit   ratelimit.TrackerConfig `mapstructure:"ratelimit"`
	Retry       retry.Policy            `mapstructure:"retry"`
	Upstream    upstream.Config         `mapstructure:"upstream"`
	OAuth       service.OAuthConfig     `mapstructure:"oauth"`
	Monitor     monitor.Config          `mapstructure:"monitor"`
	Mapping     []router.Rule           `mapstructure:"mapping"`
	Integration IntegrationConfig       `mapstructure:"integration"`
	Log         LogConfig               `mapstructure:"log"`
}

type ServerConfig struct {
	BindAddr       string        `mapstructure:"bind_addr"`
	Port           int           `mapstructure:"port"`
	ControlPort    int           `mapstructure:"control_port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type AuthConfig struct {
	APIKey   string `mapstructure:"api_key"`
	AdminKey string `mapstructure:"admin_key"`
}

type AccountsConfig struct {
	Dir string `mapstructure:"dir"`
}

type StorageConfig struct {
	DBPath        string `mapstructure:"db_path"`
	EnableLogging bool   `mapstructure:"enable_logging"`
}

type IntegrationConfig struct {
	Kind       string `mapstructure:"kind"` // "desktop" or "headless"
	ProfileDir string `mapstructure:"profile_dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads config.yaml (plus AGPROXY_* environment overrides) and fills in
// defaults for everything unset
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Server
	viper.SetDefault("server.bind_addr", "127.0.0.1")
	viper.SetDefault("server.port", 8045)
	viper.SetDefault("server.control_port", 8046)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.request_timeout", "600s")

	// Accounts and storage
	viper.SetDefault("accounts.dir", "./accounts")
	viper.SetDefault("storage.db_path", "./agproxy_logs.db")
	viper.SetDefault("storage.enable_logging", true)

	// Scheduler
	viper.SetDefault("scheduler.refresh_skew", "60s")
	viper.SetDefault("scheduler.evict_interval", "1m")
	viper.SetDefault("scheduler.sticky.enabled", true)
	viper.SetDefault("scheduler.sticky.ttl", "1h")
	viper.SetDefault("scheduler.sticky.session_key.kind", "header")
	viper.SetDefault("scheduler.sticky.session_key.name", "x-session-id")
	viper.SetDefault("scheduler.sticky.fallback_on_unhealthy", true)
	viper.SetDefault("scheduler.sticky.max_bindings", 4096)
	viper.SetDefault("scheduler.zai.enabled", false)
	viper.SetDefault("scheduler.zai.base_url", "https://api.z.ai/api/anthropic")
	viper.SetDefault("scheduler.zai.dispatch_mode", "off")

	// Rate limit tracker
	viper.SetDefault("ratelimit.max_failures", 3)
	viper.SetDefault("ratelimit.quarantine_cooldown", "5m")
	viper.SetDefault("ratelimit.janitor_interval", "60s")
	viper.SetDefault("ratelimit.expired_retention", "10m")

	// Retry
	viper.SetDefault("retry.max_account_switches", 2)

	// Upstream
	viper.SetDefault("upstream.anthropic_base_url", "https://api.anthropic.com")
	viper.SetDefault("upstream.connect_timeout", "30s")
	viper.SetDefault("upstream.response_timeout", "600s")
	viper.SetDefault("upstream.max_idle_conns", 240)
	viper.SetDefault("upstream.max_idle_conns_per_host", 120)
	viper.SetDefault("upstream.idle_conn_timeout", "90s")

	// OAuth
	viper.SetDefault("oauth.token_url", "https://oauth2.googleapis.com/token")
	viper.SetDefault("oauth.timeout", "30s")

	// Monitor
	viper.SetDefault("monitor.capacity", 1000)
	viper.SetDefault("monitor.queue_size", 256)
	viper.SetDefault("monitor.enabled", true)

	// Integration
	viper.SetDefault("integration.kind", "headless")

	// Logging
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "agproxy.log")

	viper.SetEnvPrefix("AGPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ControlPort == c.Server.Port {
		return fmt.Errorf("server.control_port must differ from server.port")
	}
	if c.Auth.APIKey != "" && !strings.HasPrefix(c.Auth.APIKey, "sk-") {
		return fmt.Errorf("auth.api_key must start with sk-")
	}
	if _, err := router.New(c.Mapping); err != nil {
		return fmt.Errorf("mapping: %w", err)
	}
	switch c.Scheduler.Sticky.Source.Kind {
	case scheduler.SessionKeyHeader, scheduler.SessionKeyQueryParam, scheduler.SessionKeyBodyField:
	default:
		return fmt.Errorf("scheduler.sticky.session_key.kind %q unknown", c.Scheduler.Sticky.Source.Kind)
	}
	switch c.Scheduler.Zai.DispatchMode {
	case scheduler.ZaiOff, scheduler.ZaiFallback, scheduler.ZaiPrimary:
	default:
		return fmt.Errorf("scheduler.zai.dispatch_mode %q unknown", c.Scheduler.Zai.DispatchMode)
	}
	return nil
}
