package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/mercurehub/pkg/history"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

const (
	// UpdatesChannel is the fan-out channel every instance subscribes to
	UpdatesChannel = "mercure-updates"
	// ListKey holds the serialized updates in append order
	ListKey = "mercure-history"
)

// RedisHistory implements history.History on a Redis list plus a pub/sub channel,
// so any instance can serve replay and see updates received by the others.
// The client is owned by the caller and is not closed by End.
type RedisHistory struct {
	client redis.UniversalClient
	config history.Config
	logger zerolog.Logger

	mu      sync.RWMutex
	running bool
	ended   bool
	pubsub  *redis.PubSub

	feed     chan *update.Update
	done     chan struct{}
	readDone chan struct{}
}

// NewRedisHistory creates a Redis backed history on an existing client.
func NewRedisHistory(client redis.UniversalClient, config history.Config, logger zerolog.Logger) (*RedisHistory, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	config.SetDefaults()

	return &RedisHistory{
		client: client,
		config: config,
		logger: logger.With().Str("component", "history").Str("backend", "redis").Logger(),
		feed:   make(chan *update.Update, config.FeedBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Start subscribes to the updates channel and returns once Redis confirmed the subscription.
func (h *RedisHistory) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ended {
		return ErrEnded
	}
	if h.running {
		return nil
	}

	pubsub := h.client.Subscribe(ctx, UpdatesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", UpdatesChannel, err)
	}

	h.pubsub = pubsub
	h.readDone = make(chan struct{})
	h.running = true
	go h.readLoop(pubsub.Channel(), h.readDone)

	h.logger.Debug().Str("channel", UpdatesChannel).Msg("subscribed to updates")
	return nil
}

func (h *RedisHistory) readLoop(messages <-chan *redis.Message, readDone chan struct{}) {
	defer close(readDone)
	defer close(h.feed)

	for msg := range messages {
		u, err := update.Unmarshal([]byte(msg.Payload))
		if err != nil {
			h.logger.Warn().Err(err).Msg("dropping malformed update from channel")
			continue
		}

		select {
		case h.feed <- u:
		case <-h.done:
			return
		}
	}
}

// Push appends the serialized update to the list, trims the retained window,
// and publishes it in a single transaction.
func (h *RedisHistory) Push(ctx context.Context, u *update.Update) error {
	if u == nil {
		return ErrNilUpdate
	}

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return nil
	}

	payload, err := u.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode update %s: %w", u.ID(), err)
	}

	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, ListKey, payload)
		if h.config.MaxSize > 0 {
			pipe.LTrim(ctx, ListKey, int64(-h.config.MaxSize), -1)
		}
		pipe.Publish(ctx, UpdatesChannel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push update %s: %w", u.ID(), err)
	}

	return nil
}

// FindFor reads the whole shared list and scans it.
func (h *RedisHistory) FindFor(ctx context.Context, r history.Receiver) ([]*update.Update, error) {
	raw, err := h.client.LRange(ctx, ListKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ListKey, err)
	}

	entries := make([]*update.Update, 0, len(raw))
	for _, item := range raw {
		u, err := update.Unmarshal([]byte(item))
		if err != nil {
			h.logger.Warn().Err(err).Msg("skipping malformed history entry")
			continue
		}
		entries = append(entries, u)
	}

	return history.ReplayAfter(entries, r.LastEventID(), r), nil
}

// Updates returns the live feed of updates published by any instance.
func (h *RedisHistory) Updates() <-chan *update.Update {
	return h.feed
}

// End unsubscribes. A graceful end waits for the reader to stop; a forced one does not.
func (h *RedisHistory) End(ctx context.Context, force bool) error {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return nil
	}
	h.ended = true
	wasRunning := h.running
	h.running = false
	pubsub := h.pubsub
	readDone := h.readDone
	h.mu.Unlock()

	if !wasRunning {
		close(h.feed)
		return nil
	}

	if force {
		close(h.done)
	}

	var closeErr error
	if err := pubsub.Close(); err != nil {
		closeErr = fmt.Errorf("failed to close subscription: %w", err)
	}

	if force {
		return closeErr
	}

	select {
	case <-readDone:
	case <-ctx.Done():
		close(h.done)
		<-readDone
	}
	return closeErr
}

// Close ends the history immediately.
func (h *RedisHistory) Close() error {
	return h.End(context.Background(), true)
}

// Verify that RedisHistory implements the History interface at compile time
var _ history.History = (*RedisHistory)(nil)
