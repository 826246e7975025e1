package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/internal/hub"
	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
	"github.com/rmacdonaldsmith/mercurehub/internal/subscribers"
)

// Handlers contains HTTP handlers for the hub endpoints
type Handlers struct {
	hub        *hub.Hub
	heartbeat  time.Duration
	bufferSize int
	logger     zerolog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(h *hub.Hub, heartbeat time.Duration, bufferSize int, logger zerolog.Logger) *Handlers {
	return &Handlers{
		hub:        h,
		heartbeat:  heartbeat,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Publish handles POST {path}
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	claims, err := h.hub.AuthorizePublisher(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, "Invalid form body", http.StatusBadRequest)
		return
	}

	id, err := h.hub.Publish(r.Context(), claims, hub.PublishRequest{
		Topics:  r.PostForm["topic"],
		Data:    r.PostForm.Get("data"),
		Targets: r.PostForm["target"],
		ID:      r.PostForm.Get("id"),
		Type:    r.PostForm.Get("type"),
		Retry:   r.PostForm.Get("retry"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(id))
}

// Subscribe handles GET and HEAD {path}?topic=...
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	handshake, err := h.hub.Accept(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if r.Method == http.MethodHead {
		return
	}

	ctx := r.Context()
	conn := newSSEConn(r.RemoteAddr, h.bufferSize)

	// Commit replays into the connection buffer while the loop below drains it
	committed := make(chan *subscriber.Subscriber, 1)
	go func() {
		s, err := h.hub.Commit(ctx, handshake, conn)
		if err != nil {
			h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("subscription not committed")
			conn.Close()
		}
		committed <- s
	}()

	h.stream(ctx, w, flusher, conn)

	if s := <-committed; s != nil {
		// The request context is done by now
		h.hub.Disconnect(context.Background(), s)
	}
}

// stream writes queued updates and keep-alive comments until the client
// goes away or the hub closes the connection
func (h *Handlers) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, conn *sseConn) {
	var heartbeat <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			h.flushBuffered(w, flusher, conn)
			return
		case <-heartbeat:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				conn.Close()
				return
			}
			flusher.Flush()
		case u := <-conn.updates:
			if _, err := u.WriteEvent(w); err != nil {
				h.logger.Debug().Err(err).Str("update", u.ID()).Msg("failed to write event")
				conn.Close()
				return
			}
			flusher.Flush()
		}
	}
}

// flushBuffered writes what the hub queued before it closed the connection
func (h *Handlers) flushBuffered(w http.ResponseWriter, flusher http.Flusher, conn *sseConn) {
	defer flusher.Flush()
	for {
		select {
		case u := <-conn.updates:
			if _, err := u.WriteEvent(w); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Subscribers handles GET {path}/subscribers
func (h *Handlers) Subscribers(w http.ResponseWriter, r *http.Request) {
	claims, err := h.hub.AuthorizePublisher(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if claims == nil || !authz.AuthorizedTargets(claims, authz.Publisher).All {
		h.fail(w, r, hub.ErrForbidden)
		return
	}

	list, err := h.hub.Subscribers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, SubscribersResponse{Total: len(list), Subscribers: list}, http.StatusOK)
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.hub.Stats()
	healthy := h.hub.State() == hub.StateListening

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthResponse{Healthy: healthy, Stats: stats}, status)
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, err.Error(), status)
}

// statusFor maps hub and authorization errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, hub.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, authz.ErrMalformedHeader),
		errors.Is(err, authz.ErrInvalidToken),
		errors.Is(err, authz.ErrMissingOriginContext),
		errors.Is(err, authz.ErrOriginNotAllowed),
		errors.Is(err, hub.ErrTargetNotAuthorized):
		return http.StatusUnauthorized
	case hub.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrNotListening),
		errors.Is(err, subscribers.ErrSharedStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
