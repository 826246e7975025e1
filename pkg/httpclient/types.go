package httpclient

import (
	"fmt"
	"time"
)

// Config holds client configuration
type Config struct {
	// HubURL is the absolute URL of the hub (e.g., "http://localhost:3000/.well-known/mercure")
	HubURL string

	// Token is the JWT sent as a bearer token; empty for anonymous subscribers
	Token string

	// Timeout for non-streaming HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// PublishRequest represents an update to publish
type PublishRequest struct {
	Topics  []string
	Data    string
	Targets []string
	ID      string
	Type    string
	Retry   int
}

// Event is one Server-Sent Event received from the hub
type Event struct {
	ID    string
	Type  string
	Data  string
	Retry int
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIError is returned when the hub answers with an error status
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Stats mirrors the runtime figures reported by the health endpoint
type Stats struct {
	InstanceID  string    `json:"instanceId"`
	State       string    `json:"state"`
	SharedStore bool      `json:"sharedStore"`
	StartedAt   time.Time `json:"startedAt"`
	Subscribers int       `json:"subscribers"`
	Peers       int       `json:"peers"`
	Published   uint64    `json:"published"`
	Broadcast   uint64    `json:"broadcast"`
	Delivered   uint64    `json:"delivered"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Healthy bool  `json:"healthy"`
	Stats   Stats `json:"stats"`
}

// Subscriber describes one connected subscriber in the cluster census
type Subscriber struct {
	ID          string   `json:"id"`
	Topics      []string `json:"topics"`
	Address     string   `json:"ip"`
	All         bool     `json:"all"`
	LastEventID string   `json:"last,omitempty"`
	Authorized  []string `json:"authorized"`
}

// SubscribersResponse lists every subscriber across the cluster
type SubscribersResponse struct {
	Total       int          `json:"total"`
	Subscribers []Subscriber `json:"subscribers"`
}
