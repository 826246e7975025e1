// Package config loads hub settings from an optional YAML file and
// MERCURE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/internal/httpapi"
	"github.com/rmacdonaldsmith/mercurehub/internal/hub"
)

// EnvPrefix prefixes every environment override, e.g. MERCURE_REDIS_ADDR
const EnvPrefix = "MERCURE"

// ErrNegativeHeartbeat is returned when the keep-alive interval is negative
var ErrNegativeHeartbeat = errors.New("heartbeat cannot be negative")

// Config is the process configuration
type Config struct {
	Addr       string `mapstructure:"addr"`
	Path       string `mapstructure:"path"`
	HealthAddr string `mapstructure:"health_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	JWTKey           string `mapstructure:"jwt_key"`
	PublisherJWTKey  string `mapstructure:"publisher_jwt_key"`
	SubscriberJWTKey string `mapstructure:"subscriber_jwt_key"`

	AllowAnonymous        bool          `mapstructure:"allow_anonymous"`
	MaxTopics             int           `mapstructure:"max_topics"`
	IgnorePublisherID     bool          `mapstructure:"ignore_publisher_id"`
	PublishAllowedOrigins []string      `mapstructure:"publish_allowed_origins"`
	CORSAllowedOrigins    []string      `mapstructure:"cors_allowed_origins"`
	HistorySize           int           `mapstructure:"history_size"`
	Heartbeat             time.Duration `mapstructure:"heartbeat"`
	InstanceID            string        `mapstructure:"instance_id"`

	Redis struct {
		URL      string `mapstructure:"url"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
}

// Load reads path when set, applies environment overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults. Every key is declared so that environment overrides apply.
	v.SetDefault("addr", ":3000")
	v.SetDefault("path", httpapi.DefaultPath)
	v.SetDefault("health_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("jwt_key", "")
	v.SetDefault("publisher_jwt_key", "")
	v.SetDefault("subscriber_jwt_key", "")
	v.SetDefault("allow_anonymous", false)
	v.SetDefault("max_topics", 0)
	v.SetDefault("ignore_publisher_id", true)
	v.SetDefault("publish_allowed_origins", []string{})
	v.SetDefault("cors_allowed_origins", []string{})
	v.SetDefault("history_size", 10000)
	v.SetDefault("heartbeat", httpapi.DefaultHeartbeat)
	v.SetDefault("instance_id", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Env overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the settings that can be checked without building anything
func (c *Config) Validate() error {
	if err := c.Keys().Validate(); err != nil {
		return fmt.Errorf("jwt_key or publisher_jwt_key and subscriber_jwt_key are required (set %s_JWT_KEY or config file): %w", EnvPrefix, err)
	}
	if c.Heartbeat < 0 {
		return ErrNegativeHeartbeat
	}
	if c.MaxTopics < 0 {
		return hub.ErrNegativeMaxTopics
	}
	if c.HistorySize < 0 {
		return hub.ErrNegativeHistorySize
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.RedisOptions(); err != nil {
		return err
	}
	return nil
}

// Keys returns the token keys
func (c *Config) Keys() authz.Keys {
	return authz.Keys{
		Shared:     []byte(c.JWTKey),
		Publisher:  []byte(c.PublisherJWTKey),
		Subscriber: []byte(c.SubscriberJWTKey),
	}
}

// Level parses the log level
func (c *Config) Level() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// RedisOptions returns the shared store connection options, or nil when no
// shared store is configured. redis.url takes precedence over redis.addr.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if c.Redis.URL != "" {
		options, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		return options, nil
	}
	if c.Redis.Addr == "" {
		return nil, nil
	}
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}, nil
}

// HubConfig builds the hub configuration
func (c *Config) HubConfig(logger zerolog.Logger) (*hub.Config, error) {
	options, err := c.RedisOptions()
	if err != nil {
		return nil, err
	}

	config := hub.NewConfig(c.Keys()).
		WithAnonymous(c.AllowAnonymous).
		WithMaxTopics(c.MaxTopics).
		WithIgnorePublisherID(c.IgnorePublisherID).
		WithAllowedOrigins(c.PublishAllowedOrigins).
		WithHistorySize(c.HistorySize).
		WithLogger(logger)
	if c.InstanceID != "" {
		config.WithInstanceID(c.InstanceID)
	}
	if options != nil {
		config.WithRedis(options)
	}
	return config, config.Validate()
}

// ServerConfig builds the HTTP server configuration
func (c *Config) ServerConfig(logger zerolog.Logger) httpapi.Config {
	return httpapi.Config{
		Addr:               c.Addr,
		Path:               c.Path,
		Heartbeat:          c.Heartbeat,
		CORSAllowedOrigins: c.CORSAllowedOrigins,
		Logger:             logger,
	}
}
