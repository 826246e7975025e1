package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/mercurehub/internal/hub"
)

const (
	// DefaultPath is where the hub is mounted
	DefaultPath = "/.well-known/mercure"
	// DefaultHeartbeat is the interval between keep-alive comments
	DefaultHeartbeat = 15 * time.Second
	// DefaultBufferSize is the number of updates queued per connection
	DefaultBufferSize = 256
)

// ErrInvalidPath is returned when the mount path does not start with a slash
var ErrInvalidPath = errors.New("path must start with /")

// Server represents the HTTP API server
type Server struct {
	hub        *hub.Hub
	config     Config
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	logger     zerolog.Logger
}

// Config holds server configuration
type Config struct {
	Addr string
	Path string

	// Heartbeat is the keep-alive interval; 0 disables keep-alive comments
	Heartbeat time.Duration

	// BufferSize is the number of updates queued per subscriber connection
	BufferSize int

	// CORSAllowedOrigins lists browser origins allowed to use the hub; "*" allows any
	CORSAllowedOrigins []string

	Logger zerolog.Logger
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return ErrInvalidPath
	}
	return nil
}

// NewServer creates a new HTTP API server in front of h
func NewServer(h *hub.Hub, config Config) (*Server, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger.With().Str("component", "httpapi").Logger()
	server := &Server{
		hub:        h,
		config:     config,
		handlers:   NewHandlers(h, config.Heartbeat, config.BufferSize, logger),
		middleware: NewMiddleware(config.CORSAllowedOrigins, logger),
		logger:     logger,
	}

	// No write timeout: subscriber streams stay open indefinitely
	server.server = &http.Server{
		Addr:              config.Addr,
		Handler:           server.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return server, nil
}

// Handler returns the routed handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.Addr).Str("path", s.config.Path).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Serve accepts connections on l
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Stop gracefully stops the HTTP server. Open streams are not waited for;
// ending the hub closes them.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.middleware.Recovery, s.middleware.Logging, s.middleware.CORS)

	r.Post(s.config.Path, s.handlers.Publish)
	r.Get(s.config.Path, s.handlers.Subscribe)
	r.Head(s.config.Path, s.handlers.Subscribe)
	r.Get(s.config.Path+"/subscribers", s.handlers.Subscribers)

	r.Get("/healthz", s.handlers.Health)
	r.Get("/", s.handleRoot)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	return r
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"service":  "mercurehub",
		"instance": s.hub.InstanceID(),
		"endpoints": map[string]string{
			"publish":     "POST " + s.config.Path,
			"subscribe":   "GET " + s.config.Path + "?topic=...",
			"subscribers": "GET " + s.config.Path + "/subscribers",
			"health":      "GET /healthz",
		},
	}
	writeJSON(w, info, http.StatusOK)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
