package httpapi

import (
	"github.com/rmacdonaldsmith/mercurehub/internal/hub"
	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Healthy bool      `json:"healthy"`
	Stats   hub.Stats `json:"stats"`
}

// SubscribersResponse lists every subscriber across the cluster
type SubscribersResponse struct {
	Total       int                  `json:"total"`
	Subscribers []subscriber.Summary `json:"subscribers"`
}
