package history

import (
	"context"
	"sync"

	"github.com/rmacdonaldsmith/mercurehub/pkg/history"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

// MemoryHistory implements history.History for a single instance.
// Entries live in an ordered slice; the feed is notified synchronously on push.
// It is safe for concurrent use.
type MemoryHistory struct {
	config history.Config

	mu      sync.RWMutex
	entries []*update.Update
	running bool
	ended   bool

	// pushMu keeps feed order equal to append order across concurrent pushers
	pushMu sync.Mutex
	feed   chan *update.Update
	done   chan struct{}
}

// NewMemoryHistory creates an in-memory history.
func NewMemoryHistory(config history.Config) *MemoryHistory {
	config.SetDefaults()
	return &MemoryHistory{
		config:  config,
		entries: make([]*update.Update, 0),
		feed:    make(chan *update.Update, config.FeedBuffer),
		done:    make(chan struct{}),
	}
}

// Start marks the history as running.
func (h *MemoryHistory) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ended {
		return ErrEnded
	}
	h.running = true
	return nil
}

// Push appends the update and notifies the feed.
func (h *MemoryHistory) Push(ctx context.Context, u *update.Update) error {
	if u == nil {
		return ErrNilUpdate
	}

	h.pushMu.Lock()
	defer h.pushMu.Unlock()

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.entries = append(h.entries, u)
	if h.config.MaxSize > 0 && len(h.entries) > h.config.MaxSize {
		trimmed := make([]*update.Update, h.config.MaxSize)
		copy(trimmed, h.entries[len(h.entries)-h.config.MaxSize:])
		h.entries = trimmed
	}
	h.mu.Unlock()

	select {
	case h.feed <- u:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FindFor scans the whole log for entries after r's last event id.
func (h *MemoryHistory) FindFor(ctx context.Context, r history.Receiver) ([]*update.Update, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	h.mu.RLock()
	snapshot := make([]*update.Update, len(h.entries))
	copy(snapshot, h.entries)
	h.mu.RUnlock()

	return history.ReplayAfter(snapshot, r.LastEventID(), r), nil
}

// Updates returns the live feed.
func (h *MemoryHistory) Updates() <-chan *update.Update {
	return h.feed
}

// Len returns the number of retained entries
func (h *MemoryHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// End stops accepting pushes and closes the feed. Retained entries are dropped.
func (h *MemoryHistory) End(ctx context.Context, force bool) error {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.ended = true
	h.entries = nil
	close(h.done)
	h.mu.Unlock()

	// Wait for an in-flight push before closing the feed
	h.pushMu.Lock()
	close(h.feed)
	h.pushMu.Unlock()
	return nil
}

// Close ends the history immediately.
func (h *MemoryHistory) Close() error {
	return h.End(context.Background(), true)
}

// Verify that MemoryHistory implements the History interface at compile time
var _ history.History = (*MemoryHistory)(nil)
