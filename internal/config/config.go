// Package config loads the chat server configuration from an optional YAML
// file and CHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CHAT_STORE_DRIVER.
const EnvPrefix = "CHAT"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Store     StoreConfig     `mapstructure:"store"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Redis     RedisConfig     `mapstructure:"redis"`
	History   HistoryConfig   `mapstructure:"history"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Events    EventsConfig    `mapstructure:"events"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Name           string        `mapstructure:"name" validate:"required"`
	WSAddr         string        `mapstructure:"ws_addr" validate:"required"`
	HTTPAddr       string        `mapstructure:"http_addr" validate:"required"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size" validate:"gt=0"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gt=0"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	MaxFrameBytes  int64         `mapstructure:"max_frame_bytes" validate:"gt=0"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver" validate:"oneof=badger postgres memory"`
	BadgerDir   string        `mapstructure:"badger_dir" validate:"required_if=Driver badger"`
	PostgresURL string        `mapstructure:"postgres_url" validate:"required_if=Driver postgres"`
	Migrate     bool          `mapstructure:"migrate"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type BroadcastConfig struct {
	Driver  string        `mapstructure:"driver" validate:"oneof=local nats"`
	NATSURL string        `mapstructure:"nats_url" validate:"required_if=Driver nats"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// RedisConfig is optional; an empty Address disables Redis-backed features.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Address != "" }

type HistoryConfig struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	DefaultPageSize int           `mapstructure:"default_page_size" validate:"gt=0,ltefield=MaxPageSize"`
	MaxPageSize     int           `mapstructure:"max_page_size" validate:"gt=0"`
}

type RateLimitConfig struct {
	Messages int           `mapstructure:"messages" validate:"gte=0"` // 0 disables
	Window   time.Duration `mapstructure:"window" validate:"gt=0"`
}

type EventsConfig struct {
	Validate bool   `mapstructure:"validate"`
	Table    string `mapstructure:"table"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "chat-1")
	v.SetDefault("server.ws_addr", ":8080")
	v.SetDefault("server.http_addr", ":8081")
	v.SetDefault("server.worker_pool_size", 256)
	v.SetDefault("server.max_connections", 100000)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.max_frame_bytes", 8192)

	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.timeout", "10s")

	v.SetDefault("store.driver", "badger")
	v.SetDefault("store.badger_dir", "./data/rooms")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.migrate", true)
	v.SetDefault("store.timeout", "3s")

	v.SetDefault("broadcast.driver", "local")
	v.SetDefault("broadcast.nats_url", "nats://localhost:4222")
	v.SetDefault("broadcast.timeout", "2s")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("history.cache_ttl", "30s")
	v.SetDefault("history.default_page_size", 20)
	v.SetDefault("history.max_page_size", 100)

	v.SetDefault("ratelimit.messages", 20)
	v.SetDefault("ratelimit.window", "10s")

	v.SetDefault("events.validate", false)
	v.SetDefault("events.table", "jummahs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads path (optional; empty means defaults and environment only),
// applies CHAT_* overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by container deployments.
	_ = v.BindEnv("store.postgres_url", "CHAT_STORE_POSTGRES_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.address", "CHAT_REDIS_ADDRESS", "REDIS_ADDRESS")
	_ = v.BindEnv("broadcast.nats_url", "CHAT_BROADCAST_NATS_URL", "NATS_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
