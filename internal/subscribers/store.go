package subscribers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
)

// ErrSharedStoreUnavailable is returned by cluster-wide queries when no census is configured
var ErrSharedStoreUnavailable = errors.New("shared store is not configured")

// Store is the registry of the subscribers connected to this instance.
// When a census is configured, every mutation publishes this instance's
// summaries so cluster-wide counts can be computed. It is safe for concurrent use.
type Store struct {
	instanceID string
	census     Census
	logger     zerolog.Logger

	mu          sync.RWMutex
	subscribers map[*subscriber.Subscriber]struct{}

	// syncMu serializes census writes so an older snapshot never lands last
	syncMu    sync.Mutex
	forgotten bool

	// syncQueued is set while a background census write has not taken its snapshot yet
	syncQueued atomic.Bool
}

// NewStore creates a registry. census may be nil for a single instance deployment.
func NewStore(instanceID string, census Census, logger zerolog.Logger) *Store {
	return &Store{
		instanceID:  instanceID,
		census:      census,
		logger:      logger.With().Str("component", "subscribers").Logger(),
		subscribers: make(map[*subscriber.Subscriber]struct{}),
	}
}

// Add registers a subscriber.
func (st *Store) Add(ctx context.Context, s *subscriber.Subscriber) {
	st.mu.Lock()
	st.subscribers[s] = struct{}{}
	st.mu.Unlock()

	st.sync(ctx)
}

// Delete unregisters a subscriber and reports whether it was registered.
func (st *Store) Delete(ctx context.Context, s *subscriber.Subscriber) bool {
	st.mu.Lock()
	_, ok := st.subscribers[s]
	delete(st.subscribers, s)
	st.mu.Unlock()

	if ok {
		st.sync(ctx)
	}
	return ok
}

// Evict unregisters a subscriber without waiting for the census write,
// which happens in the background. It reports whether it was registered.
func (st *Store) Evict(s *subscriber.Subscriber) bool {
	st.mu.Lock()
	_, ok := st.subscribers[s]
	delete(st.subscribers, s)
	st.mu.Unlock()

	if ok {
		st.syncLater()
	}
	return ok
}

// List returns a snapshot of the local subscribers.
func (st *Store) List() []*subscriber.Subscriber {
	st.mu.RLock()
	defer st.mu.RUnlock()

	list := make([]*subscriber.Subscriber, 0, len(st.subscribers))
	for s := range st.subscribers {
		list = append(list, s)
	}
	return list
}

// Count returns the number of local subscribers.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.subscribers)
}

// TotalCount returns the number of subscribers across the cluster.
func (st *Store) TotalCount(ctx context.Context) (int, error) {
	all, err := st.FullList(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// FullList returns the summaries of every subscriber across the cluster.
func (st *Store) FullList(ctx context.Context) ([]subscriber.Summary, error) {
	if st.census == nil {
		return nil, ErrSharedStoreUnavailable
	}
	return st.census.All(ctx)
}

// Clear closes and removes local subscribers. Unless all is set, subscribers
// authorized for every target are kept. The removed subscribers are returned.
func (st *Store) Clear(ctx context.Context, all bool) []*subscriber.Subscriber {
	st.mu.Lock()
	removed := make([]*subscriber.Subscriber, 0)
	for s := range st.subscribers {
		if all || !s.AllTargetsAuthorized() {
			delete(st.subscribers, s)
			removed = append(removed, s)
		}
	}
	st.mu.Unlock()

	for _, s := range removed {
		if err := s.Close(); err != nil {
			st.logger.Debug().Err(err).Str("subscriber", s.ID()).Msg("closing evicted subscriber")
		}
	}

	if len(removed) > 0 {
		st.sync(ctx)
	}
	return removed
}

// Forget removes this instance from the census.
func (st *Store) Forget(ctx context.Context) error {
	if st.census == nil {
		return nil
	}

	// Waits for an in-flight census write; later ones see forgotten
	st.syncMu.Lock()
	defer st.syncMu.Unlock()
	st.forgotten = true
	return st.census.Remove(ctx, st.instanceID)
}

// syncLater writes the census from a goroutine. Requests made before the
// pending write takes its snapshot share that write.
func (st *Store) syncLater() {
	if st.census == nil || !st.syncQueued.CompareAndSwap(false, true) {
		return
	}

	go st.sync(context.Background())
}

func (st *Store) sync(ctx context.Context) {
	if st.census == nil {
		return
	}

	st.syncMu.Lock()
	defer st.syncMu.Unlock()
	if st.forgotten {
		return
	}

	// Snapshot under syncMu so the write reflects the latest registry state
	st.syncQueued.Store(false)
	st.mu.RLock()
	summaries := make([]subscriber.Summary, 0, len(st.subscribers))
	for s := range st.subscribers {
		summaries = append(summaries, s.Summary())
	}
	st.mu.RUnlock()

	if err := st.census.Publish(ctx, st.instanceID, summaries); err != nil {
		st.logger.Warn().Err(err).Msg("failed to publish subscriber census")
	}
}
