package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/internal/hub"
)

// TestKeys is the shared signing key used by test setups
var TestKeys = authz.Keys{Shared: []byte("!ChangeThisMercureHubJWTSecretKey!")}

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Hub    *hub.Hub
	Server *Server
	HTTP   *httptest.Server
}

// NewTestServerSetup starts a hub behind a real HTTP listener.
// configure may adjust the hub configuration before it is built.
func NewTestServerSetup(t *testing.T, configure func(*hub.Config)) *TestServerSetup {
	t.Helper()

	config := hub.NewConfig(TestKeys)
	if configure != nil {
		configure(config)
	}

	h, err := hub.New(config)
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}

	server, err := NewServer(h, Config{
		Path:      DefaultPath,
		Heartbeat: 50 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	setup := &TestServerSetup{
		Hub:    h,
		Server: server,
		HTTP:   httptest.NewServer(server.Handler()),
	}
	t.Cleanup(setup.Close)
	return setup
}

// Close ends the hub, which closes open streams, then the listener
func (setup *TestServerSetup) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = setup.Hub.End(ctx, false)
	setup.HTTP.Close()
}

// URL returns the absolute hub URL
func (setup *TestServerSetup) URL() string {
	return setup.HTTP.URL + DefaultPath
}

// PublishToken signs a publisher token for targets
func (setup *TestServerSetup) PublishToken(t *testing.T, targets ...string) string {
	t.Helper()

	token, err := setup.Hub.GeneratePublishToken(targets)
	if err != nil {
		t.Fatalf("Failed to generate publish token: %v", err)
	}
	return token
}

// SubscribeToken signs a subscriber token for targets
func (setup *TestServerSetup) SubscribeToken(t *testing.T, targets ...string) string {
	t.Helper()

	token, err := setup.Hub.GenerateSubscribeToken(targets)
	if err != nil {
		t.Fatalf("Failed to generate subscribe token: %v", err)
	}
	return token
}

// SSEEvent is one parsed event of a stream
type SSEEvent struct {
	ID   string
	Type string
	Data string
}

// SSEReader parses events from a live stream in the background
type SSEReader struct {
	Events chan SSEEvent
	Pings  chan struct{}
}

// NewSSEReader reads resp.Body until it is closed
func NewSSEReader(resp *http.Response) *SSEReader {
	reader := &SSEReader{
		Events: make(chan SSEEvent, 100),
		Pings:  make(chan struct{}, 100),
	}

	go func() {
		defer close(reader.Events)

		scanner := bufio.NewScanner(resp.Body)
		var event SSEEvent
		var data []string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if event.ID != "" || len(data) > 0 {
					event.Data = strings.Join(data, "\n")
					reader.Events <- event
				}
				event, data = SSEEvent{}, nil
			case strings.HasPrefix(line, ": ping"):
				select {
				case reader.Pings <- struct{}{}:
				default:
				}
			case strings.HasPrefix(line, "id: "):
				event.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				event.Type = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			}
		}
	}()

	return reader
}

// Next waits for the next event
func (r *SSEReader) Next(t *testing.T) SSEEvent {
	t.Helper()

	select {
	case event, ok := <-r.Events:
		if !ok {
			t.Fatal("Stream closed before the next event")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for an event")
	}
	return SSEEvent{}
}
