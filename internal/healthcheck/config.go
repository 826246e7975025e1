package healthcheck

import (
	"errors"
	"time"
)

// Config holds configuration for the gRPC health server
type Config struct {
	// ListenAddress is where the health service listens, e.g. "localhost:0"
	ListenAddress string

	// PollInterval is how often the hub state is sampled
	PollInterval time.Duration
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.PollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}
