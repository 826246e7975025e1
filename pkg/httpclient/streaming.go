package httpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StreamClient handles Server-Sent Events streaming
type StreamClient struct {
	client *Client
	events chan Event
	errors chan error
	done   chan struct{}
	cancel context.CancelFunc

	mu          sync.Mutex
	lastEventID string
	retry       time.Duration
}

// StreamConfig configures the streaming client
type StreamConfig struct {
	// Topics are the topic selectors to subscribe to (URIs or URI templates)
	Topics []string

	// LastEventID resumes after this update on the first connection
	LastEventID string

	// BufferSize for the event channel
	BufferSize int

	// ReconnectDelay for automatic reconnection, unless the hub sends a retry hint
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
}

// Stream subscribes to the hub and streams events in the background.
// Dropped connections are re-established with the Last-Event-ID of the last
// received event so nothing within the hub's retained window is missed.
func (c *Client) Stream(ctx context.Context, config StreamConfig) (*StreamClient, error) {
	if len(config.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	config.SetDefaults()

	streamCtx, cancel := context.WithCancel(ctx)
	streamClient := &StreamClient{
		client:      c,
		events:      make(chan Event, config.BufferSize),
		errors:      make(chan error, 10),
		done:        make(chan struct{}),
		cancel:      cancel,
		lastEventID: config.LastEventID,
	}

	go streamClient.startStreaming(streamCtx, config)

	return streamClient, nil
}

// Events returns the channel for receiving events
func (sc *StreamClient) Events() <-chan Event {
	return sc.events
}

// Errors returns the channel for receiving errors
func (sc *StreamClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when streaming ends
func (sc *StreamClient) Done() <-chan struct{} {
	return sc.done
}

// LastEventID returns the id of the last event received
func (sc *StreamClient) LastEventID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastEventID
}

// Close stops the streaming client and waits for it to finish
func (sc *StreamClient) Close() error {
	sc.cancel()
	<-sc.done
	return nil
}

// startStreaming handles the SSE streaming loop with reconnection
func (sc *StreamClient) startStreaming(ctx context.Context, config StreamConfig) {
	defer close(sc.done)
	defer close(sc.events)
	defer close(sc.errors)

	attempts := 0
	for {
		connected, err := sc.connectAndStream(ctx, config)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sc.report(fmt.Errorf("streaming error: %w", err))

			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				// Rejected requests will not succeed on retry
				return
			}
		}
		if connected {
			attempts = 0
		}

		// Check if we should reconnect
		if config.MaxReconnectAttempts > 0 && attempts >= config.MaxReconnectAttempts {
			sc.report(fmt.Errorf("max reconnect attempts (%d) exceeded", config.MaxReconnectAttempts))
			return
		}
		attempts++

		select {
		case <-time.After(sc.reconnectDelay(config)):
		case <-ctx.Done():
			return
		}
	}
}

func (sc *StreamClient) reconnectDelay(config StreamConfig) time.Duration {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.retry > 0 {
		return sc.retry
	}
	return config.ReconnectDelay
}

// report sends err without blocking; errors are dropped when nobody reads them
func (sc *StreamClient) report(err error) {
	select {
	case sc.errors <- err:
	default:
	}
}

// connectAndStream establishes the SSE connection and processes events.
// connected reports whether the hub accepted the subscription.
func (sc *StreamClient) connectAndStream(ctx context.Context, config StreamConfig) (connected bool, err error) {
	streamURL := *sc.client.hubURL
	values := streamURL.Query()
	for _, topic := range config.Topics {
		values.Add("topic", topic)
	}
	streamURL.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create streaming request: %w", err)
	}

	// Set SSE headers
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := sc.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}
	sc.client.authorize(req)

	// The request timeout would cut the stream; the context governs it instead
	httpClient := *sc.client.httpClient
	httpClient.Timeout = 0

	resp, err := httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, apiError(resp.StatusCode, body)
	}

	return true, sc.processSSEStream(ctx, resp.Body)
}

// processSSEStream reads and parses Server-Sent Events
func (sc *StreamClient) processSSEStream(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event Event
	var data []string
	pending := false

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Empty line dispatches the event
			if !pending {
				continue
			}
			event.Data = strings.Join(data, "\n")
			if event.ID != "" {
				sc.mu.Lock()
				sc.lastEventID = event.ID
				sc.mu.Unlock()
			}

			select {
			case sc.events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
			event, data, pending = Event{}, nil, false
			continue
		}

		if strings.HasPrefix(line, ":") {
			// Keepalive comment
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			event.ID = value
		case "event":
			event.Type = value
		case "data":
			data = append(data, value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				event.Retry = ms
				sc.mu.Lock()
				sc.retry = time.Duration(ms) * time.Millisecond
				sc.mu.Unlock()
			}
		default:
			continue
		}
		pending = true
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}
