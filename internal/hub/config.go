package hub

import (
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
	"github.com/rmacdonaldsmith/mercurehub/pkg/history"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

var (
	// ErrEmptyInstanceID is returned when the instance id is empty
	ErrEmptyInstanceID = errors.New("instance ID cannot be empty")
	// ErrNegativeMaxTopics is returned when the topic limit is negative
	ErrNegativeMaxTopics = errors.New("max topics cannot be negative")
	// ErrNegativeHistorySize is returned when the retained window is negative
	ErrNegativeHistorySize = errors.New("history size cannot be negative")
)

// Hooks are optional callbacks fired on hub activity. They run synchronously
// and must not block.
type Hooks struct {
	// OnPublish fires after an update was fanned out to the local subscribers
	OnPublish func(u *update.Update, delivered int)

	// OnSubscribe fires once a subscriber is registered
	OnSubscribe func(s *subscriber.Subscriber)

	// OnUnsubscribe fires once a subscriber is unregistered
	OnUnsubscribe func(s *subscriber.Subscriber)
}

// Config represents configuration for a Hub
type Config struct {
	// InstanceID identifies this hub in the shared store
	InstanceID string

	// Keys verify and sign tokens
	Keys authz.Keys

	// AllowAnonymous lets subscribers connect without a token
	AllowAnonymous bool

	// MaxTopics limits topics per connection and per publish; 0 means unlimited
	MaxTopics int

	// IgnorePublisherID makes the hub always generate update ids
	IgnorePublisherID bool

	// PublishAllowedOrigins lists origins allowed to publish with the cookie
	PublishAllowedOrigins []string

	// History configures the update log
	History history.Config

	// Redis enables the shared store when set. The hub owns the resulting client.
	Redis *redis.Options

	// Logger receives hub logs
	Logger zerolog.Logger

	// Hooks observe hub activity
	Hooks Hooks
}

// NewConfig creates a new Hub configuration with safe defaults
func NewConfig(keys authz.Keys) *Config {
	return &Config{
		InstanceID:        uuid.NewString(),
		Keys:              keys,
		IgnorePublisherID: true,
		Logger:            zerolog.Nop(),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return ErrEmptyInstanceID
	}
	if err := c.Keys.Validate(); err != nil {
		return fmt.Errorf("invalid keys: %w", err)
	}
	if c.MaxTopics < 0 {
		return ErrNegativeMaxTopics
	}
	if c.History.MaxSize < 0 {
		return ErrNegativeHistorySize
	}
	return nil
}

// WithInstanceID sets the instance id
func (c *Config) WithInstanceID(id string) *Config {
	c.InstanceID = id
	return c
}

// WithAnonymous allows or forbids anonymous subscribers
func (c *Config) WithAnonymous(allow bool) *Config {
	c.AllowAnonymous = allow
	return c
}

// WithMaxTopics sets the topic limit
func (c *Config) WithMaxTopics(max int) *Config {
	c.MaxTopics = max
	return c
}

// WithIgnorePublisherID sets the update id policy
func (c *Config) WithIgnorePublisherID(ignore bool) *Config {
	c.IgnorePublisherID = ignore
	return c
}

// WithAllowedOrigins sets the origins allowed to publish with the cookie
func (c *Config) WithAllowedOrigins(origins []string) *Config {
	c.PublishAllowedOrigins = origins
	return c
}

// WithHistorySize sets the retained window of the update log
func (c *Config) WithHistorySize(size int) *Config {
	c.History.MaxSize = size
	return c
}

// WithRedis enables the shared store
func (c *Config) WithRedis(options *redis.Options) *Config {
	c.Redis = options
	return c
}

// WithLogger sets the logger
func (c *Config) WithLogger(logger zerolog.Logger) *Config {
	c.Logger = logger
	return c
}

// WithHooks sets the activity hooks
func (c *Config) WithHooks(hooks Hooks) *Config {
	c.Hooks = hooks
	return c
}
