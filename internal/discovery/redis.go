package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// InstancesChannel carries join and leave announcements
const InstancesChannel = "mercure-instances"

const (
	actionJoin  = "join"
	actionLeave = "leave"
)

type announcement struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// RedisDiscovery implements Discovery over a Redis pub/sub channel.
// Instances announce themselves on join and leave; an instance seeing an
// unknown peer join answers with its own join so both sides learn each other.
type RedisDiscovery struct {
	id     string
	client redis.UniversalClient
	logger zerolog.Logger

	mu       sync.RWMutex
	peers    map[string]Peer
	pubsub   *redis.PubSub
	readDone chan struct{}
	started  bool
	closed   bool
}

// NewRedisDiscovery creates a discovery service for the instance id.
func NewRedisDiscovery(id string, client redis.UniversalClient, logger zerolog.Logger) *RedisDiscovery {
	return &RedisDiscovery{
		id:     id,
		client: client,
		logger: logger.With().Str("component", "discovery").Str("instance", id).Logger(),
		peers:  make(map[string]Peer),
	}
}

// Start subscribes to announcements and returns once the subscription is confirmed.
func (d *RedisDiscovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("cannot start closed discovery")
	}
	if d.started {
		return nil
	}

	pubsub := d.client.Subscribe(ctx, InstancesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", InstancesChannel, err)
	}

	d.pubsub = pubsub
	d.readDone = make(chan struct{})
	d.started = true
	go d.readLoop(pubsub.Channel(), d.readDone)
	return nil
}

func (d *RedisDiscovery) readLoop(messages <-chan *redis.Message, readDone chan struct{}) {
	defer close(readDone)

	for msg := range messages {
		var a announcement
		if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
			d.logger.Warn().Err(err).Msg("ignoring malformed announcement")
			continue
		}
		if a.ID == d.id {
			continue
		}

		switch a.Action {
		case actionJoin:
			if known := d.addPeer(a.ID); !known {
				d.logger.Info().Str("peer", a.ID).Msg("scale-up")
				// Let the newcomer know about us
				if err := d.announce(context.Background(), actionJoin); err != nil {
					d.logger.Warn().Err(err).Msg("failed to answer join")
				}
			}
		default:
			d.removePeer(a.ID)
			d.logger.Info().Str("peer", a.ID).Msg("scale-down")
		}
	}
}

func (d *RedisDiscovery) addPeer(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, known := d.peers[id]
	if !known {
		d.peers[id] = Peer{ID: id, JoinedAt: time.Now()}
	}
	return known
}

func (d *RedisDiscovery) removePeer(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

func (d *RedisDiscovery) announce(ctx context.Context, action string) error {
	payload, err := json.Marshal(announcement{ID: d.id, Action: action})
	if err != nil {
		return err
	}
	return d.client.Publish(ctx, InstancesChannel, payload).Err()
}

// Join announces this instance.
func (d *RedisDiscovery) Join(ctx context.Context) error {
	if err := d.announce(ctx, actionJoin); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}
	return nil
}

// Leave announces this instance is going away.
func (d *RedisDiscovery) Leave(ctx context.Context) error {
	if err := d.announce(ctx, actionLeave); err != nil {
		return fmt.Errorf("failed to leave: %w", err)
	}
	return nil
}

// Peers returns the other known instances ordered by id.
func (d *RedisDiscovery) Peers() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peers := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Close unsubscribes and waits for the reader to stop.
func (d *RedisDiscovery) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pubsub := d.pubsub
	readDone := d.readDone
	d.mu.Unlock()

	if pubsub == nil {
		return nil
	}

	err := pubsub.Close()
	<-readDone
	return err
}

var _ Discovery = (*RedisDiscovery)(nil)
