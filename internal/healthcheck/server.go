// Package healthcheck exposes the hub lifecycle through the standard gRPC
// health checking protocol, for load balancers and orchestrators.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/mercurehub/internal/hub"
)

// ServiceName is the health service name reported alongside the overall ("") status
const ServiceName = "mercure.Hub"

// ErrClosed is returned when starting a closed server
var ErrClosed = errors.New("health server is closed")

// StateSource reports the hub lifecycle state
type StateSource interface {
	State() hub.State
}

// Server serves gRPC health checks that follow the hub state: SERVING while
// listening, NOT_SERVING otherwise.
type Server struct {
	config *Config
	source StateSource
	logger zerolog.Logger

	health   *health.Server
	grpc     *grpc.Server
	listener net.Listener

	mu      sync.RWMutex
	started bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// NewServer creates a health server for source
func NewServer(config *Config, source StateSource, logger zerolog.Logger) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	return &Server{
		config: &configCopy,
		source: source,
		logger: logger.With().Str("component", "healthcheck").Logger(),
		health: health.NewServer(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start binds the listener and serves in the background. Start is idempotent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}

	s.listener = listener
	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.update()

	go func() {
		if err := s.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("health server stopped")
		}
	}()
	go s.watch()

	s.started = true
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("grpc health server listening")
	return nil
}

// GetListeningAddress returns the bound address, empty before Start
func (s *Server) GetListeningAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) watch() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.update()
		}
	}
}

func (s *Server) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.source.State() == hub.StateListening {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Close reports NOT_SERVING to watchers and stops the server
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}

	close(s.stop)
	<-s.done
	s.health.Shutdown()
	s.grpc.Stop()
	return nil
}
