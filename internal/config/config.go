// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/concierge-ai/concierge/internal/auth"
	"github.com/concierge-ai/concierge/internal/backend"
	"github.com/concierge-ai/concierge/internal/db"
	"github.com/concierge-ai/concierge/internal/orchestrator"
	"github.com/concierge-ai/concierge/internal/policy"
	"github.com/concierge-ai/concierge/internal/tracing"
)

// ServiceConfig holds the HTTP listener settings.
type ServiceConfig struct {
	HTTPPort  int `mapstructure:"http_port"`
	AdminPort int `mapstructure:"admin_port"`
}

// RedisConfig holds the session store connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RegistryConfig points at the domain catalog directory.
type RegistryConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// AuthConfig holds the API auth settings.
type AuthConfig struct {
	SigningKey  string            `mapstructure:"signing_key"`
	TokenExpiry time.Duration     `mapstructure:"token_expiry"`
	Users       []auth.UserConfig `mapstructure:"users"`
}

// ToolsConfig points at the downstream tool execution service. An empty
// endpoint selects the simulated executor.
type ToolsConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StreamingConfig sizes the per-session event ring buffer.
type StreamingConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// TemporalConfig enables the durable execution mode.
type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// Config is the full service configuration tree.
type Config struct {
	Service      ServiceConfig       `mapstructure:"service"`
	Redis        RedisConfig         `mapstructure:"redis"`
	Database     db.Config           `mapstructure:"database"`
	Registry     RegistryConfig      `mapstructure:"registry"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Policy       policy.Config       `mapstructure:"policy"`
	Tracing      tracing.Config      `mapstructure:"tracing"`
	Backend      backend.Config      `mapstructure:"backend"`
	Tools        ToolsConfig         `mapstructure:"tools"`
	Auth         AuthConfig          `mapstructure:"auth"`
	Streaming    StreamingConfig     `mapstructure:"streaming"`
	Temporal     TemporalConfig      `mapstructure:"temporal"`
}

// Load reads the config file at CONFIG_PATH (default
// config/concierge.yaml), applies CONCIERGE_* env overrides and fills
// defaults. A missing file is not an error; defaults and env apply.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/concierge.yaml"
	}
	return LoadFile(path)
}

// LoadFile loads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CONCIERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 8081)
	v.SetDefault("service.admin_port", 9091)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:concierge.db?_fk=1")
	v.SetDefault("registry.path", "config/registry")
	v.SetDefault("registry.watch", true)
	v.SetDefault("orchestrator.auth_timeout", 10*time.Second)
	v.SetDefault("orchestrator.personalizer_timeout", 8*time.Second)
	v.SetDefault("policy.mode", "off")
	v.SetDefault("policy.path", "config/policies")
	v.SetDefault("tracing.service_name", "concierge-orchestrator")
	v.SetDefault("backend.model", "gpt-4o-mini")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("tools.timeout", 15*time.Second)
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "concierge-orchestration")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("service.http_port out of range: %d", c.Service.HTTPPort)
	}
	if c.Service.AdminPort == c.Service.HTTPPort {
		return fmt.Errorf("service.admin_port must differ from http_port")
	}
	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}
	if len(c.Auth.Users) > 0 && c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signing_key is required when users are configured")
	}
	return nil
}
