package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/internal/discovery"
	"github.com/rmacdonaldsmith/mercurehub/internal/history"
	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
	"github.com/rmacdonaldsmith/mercurehub/internal/subscribers"
	historypkg "github.com/rmacdonaldsmith/mercurehub/pkg/history"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

// killSwitchKeySize is the number of random bytes in a kill switch key
const killSwitchKeySize = 256

// State is the lifecycle state of a Hub
type State int32

const (
	StateCreated State = iota
	StateListening
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Hub orchestrates authorization, the update log and the subscriber registry.
// Updates pushed to the log come back on its feed and are fanned out to every
// local subscriber allowed and interested to receive them.
type Hub struct {
	config     *Config
	logger     zerolog.Logger
	authorizer *authz.Authorizer
	history    historypkg.History
	store      *subscribers.Store
	discovery  discovery.Discovery
	redis      *redis.Client

	mu         sync.RWMutex
	state      State
	startedAt  time.Time
	fanoutDone chan struct{}

	published atomic.Uint64
	broadcast atomic.Uint64
	delivered atomic.Uint64
}

// New creates a hub. With Redis options set, the log, the census and discovery
// use the shared store; otherwise everything stays in memory.
// Call Start to begin operation.
func New(config *Config) (*Hub, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	authorizer, err := authz.NewAuthorizer(config.Keys, config.PublishAllowedOrigins)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		config:     config,
		logger:     config.Logger.With().Str("component", "hub").Str("instance", config.InstanceID).Logger(),
		authorizer: authorizer,
		state:      StateCreated,
	}

	if config.Redis == nil {
		h.history = history.NewMemoryHistory(config.History)
		h.store = subscribers.NewStore(config.InstanceID, nil, config.Logger)
		h.discovery = discovery.NewStaticDiscovery(nil)
		return h, nil
	}

	client := redis.NewClient(config.Redis)
	redisHistory, err := history.NewRedisHistory(client, config.History, config.Logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create history: %w", err)
	}

	h.redis = client
	h.history = redisHistory
	h.store = subscribers.NewStore(config.InstanceID, subscribers.NewRedisCensus(client), config.Logger)
	h.discovery = discovery.NewRedisDiscovery(config.InstanceID, client, config.Logger)
	return h, nil
}

// Start moves the hub to the listening state: the log is started, the
// instance joins the cluster and fan-out begins. Start is idempotent.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateEnded:
		return ErrEnded
	case StateListening:
		return nil
	}

	if err := h.history.Start(ctx); err != nil {
		return fmt.Errorf("failed to start history: %w", err)
	}

	if err := h.discovery.Start(ctx); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	if err := h.discovery.Join(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("failed to announce instance")
	}

	h.fanoutDone = make(chan struct{})
	go h.fanOut(h.history.Updates(), h.fanoutDone)

	h.state = StateListening
	h.startedAt = time.Now()
	h.logger.Info().Bool("shared_store", h.redis != nil).Msg("hub listening")
	return nil
}

func (h *Hub) fanOut(updates <-chan *update.Update, done chan struct{}) {
	defer close(done)

	for u := range updates {
		h.broadcast.Add(1)

		// Snapshot so disconnects during the loop cannot affect iteration
		delivered := 0
		for _, s := range h.store.List() {
			if !s.CanReceive(u) {
				continue
			}
			if err := s.Send(u); err != nil {
				h.logger.Debug().Err(err).Str("subscriber", s.ID()).Msg("dropping subscriber")
				h.drop(s)
				continue
			}
			delivered++
		}

		h.delivered.Add(uint64(delivered))
		if h.config.Hooks.OnPublish != nil {
			h.config.Hooks.OnPublish(u, delivered)
		}
	}
}

func (h *Hub) evict(ctx context.Context, s *subscriber.Subscriber) {
	if err := s.Close(); err != nil {
		h.logger.Debug().Err(err).Str("subscriber", s.ID()).Msg("closing subscriber")
	}
	h.Disconnect(ctx, s)
}

// drop closes and unregisters a subscriber from the fan-out loop.
// The census is updated in the background so other subscribers are not held up.
func (h *Hub) drop(s *subscriber.Subscriber) {
	if err := s.Close(); err != nil {
		h.logger.Debug().Err(err).Str("subscriber", s.ID()).Msg("closing subscriber")
	}
	if !h.store.Evict(s) {
		return
	}
	if h.config.Hooks.OnUnsubscribe != nil {
		h.config.Hooks.OnUnsubscribe(s)
	}
	h.logger.Debug().Str("subscriber", s.ID()).Msg("subscriber disconnected")
}

func (h *Hub) listening() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == StateListening
}

// Handshake is an authorized and validated subscription request that has not
// been committed yet. Nothing is written to the connection before Commit.
type Handshake struct {
	claims      *authz.Claims
	scope       authz.Scope
	topics      []subscriber.Topic
	lastEventID string
}

// Claims returns the verified claims, nil for an anonymous subscriber
func (hs *Handshake) Claims() *authz.Claims { return hs.claims }

// Scope returns the resolved subscribe scope
func (hs *Handshake) Scope() authz.Scope { return hs.scope }

// LastEventID returns the id the subscriber resumes from
func (hs *Handshake) LastEventID() string { return hs.lastEventID }

// Topics returns the topic selectors as requested
func (hs *Handshake) Topics() []string {
	topics := make([]string, len(hs.topics))
	for i, t := range hs.topics {
		topics[i] = t.String()
	}
	return topics
}

// Accept authorizes and validates a subscription request.
func (h *Hub) Accept(r *http.Request) (*Handshake, error) {
	if !h.listening() {
		return nil, ErrNotListening
	}

	claims, err := h.authorizer.Authorize(r, authz.Subscriber)
	if err != nil {
		return nil, err
	}
	if claims == nil && !h.config.AllowAnonymous {
		return nil, ErrForbidden
	}

	query := r.URL.Query()
	raw := query["topic"]
	if len(raw) == 0 {
		return nil, ErrMissingTopic
	}
	if err := h.checkTopicCount(len(raw)); err != nil {
		return nil, err
	}

	topics, err := subscriber.CompileTopics(raw)
	if err != nil {
		return nil, err
	}

	return &Handshake{
		claims:      claims,
		scope:       authz.AuthorizedTargets(claims, authz.Subscriber),
		topics:      topics,
		lastEventID: lastEventID(r),
	}, nil
}

func lastEventID(r *http.Request) string {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return id
	}
	query := r.URL.Query()
	if id := query.Get("Last-Event-ID"); id != "" {
		return id
	}
	return query.Get("lastEventID")
}

func (h *Hub) checkTopicCount(n int) error {
	if h.config.MaxTopics > 0 && n > h.config.MaxTopics {
		return fmt.Errorf("%w of %d topics", ErrTooManyTopics, h.config.MaxTopics)
	}
	return nil
}

// Commit registers a subscriber for an accepted handshake and replays the
// updates it missed. Live updates arriving during the replay are delivered
// after it, without duplicates.
func (h *Hub) Commit(ctx context.Context, hs *Handshake, conn subscriber.Conn) (*subscriber.Subscriber, error) {
	if !h.listening() {
		return nil, ErrNotListening
	}

	s := subscriber.New(conn, hs.scope, hs.topics, hs.lastEventID)
	h.store.Add(ctx, s)
	if h.config.Hooks.OnSubscribe != nil {
		h.config.Hooks.OnSubscribe(s)
	}
	h.logger.Debug().Str("subscriber", s.ID()).Strs("topics", s.Topics()).Msg("subscriber connected")

	if s.LastEventID() == "" {
		return s, nil
	}

	missed, err := h.history.FindFor(ctx, s)
	if err != nil {
		h.logger.Warn().Err(err).Str("subscriber", s.ID()).Msg("failed to look up missed updates")
		missed = nil
	}
	if err := s.FinishReplay(ctx, missed); err != nil {
		h.evict(ctx, s)
		return nil, fmt.Errorf("failed to replay missed updates: %w", err)
	}

	return s, nil
}

// Disconnect unregisters a subscriber whose connection ended.
func (h *Hub) Disconnect(ctx context.Context, s *subscriber.Subscriber) {
	if !h.store.Delete(ctx, s) {
		return
	}
	if h.config.Hooks.OnUnsubscribe != nil {
		h.config.Hooks.OnUnsubscribe(s)
	}
	h.logger.Debug().Str("subscriber", s.ID()).Msg("subscriber disconnected")
}

// AuthorizePublisher extracts the publisher claims of a request
func (h *Hub) AuthorizePublisher(r *http.Request) (*authz.Claims, error) {
	return h.authorizer.Authorize(r, authz.Publisher)
}

// PublishRequest is a publish as received at the boundary, before validation.
type PublishRequest struct {
	Topics  []string
	Data    string
	Targets []string
	ID      string
	Type    string
	Retry   string
}

// Publish validates a publish request against the publisher's claims and dispatches it.
// An update without targets is public.
func (h *Hub) Publish(ctx context.Context, claims *authz.Claims, req PublishRequest) (string, error) {
	if claims == nil {
		return "", ErrForbidden
	}

	if len(req.Topics) == 0 {
		return "", ErrMissingTopic
	}
	for _, topic := range req.Topics {
		if topic == "" {
			return "", ErrMissingTopic
		}
	}
	if req.Data == "" {
		return "", ErrMissingData
	}

	// Both end up on their own line of the event stream
	if strings.ContainsAny(req.ID, "\r\n") {
		return "", fmt.Errorf("%w: line breaks are not allowed", ErrInvalidID)
	}
	if strings.ContainsAny(req.Type, "\r\n") {
		return "", fmt.Errorf("%w: line breaks are not allowed", ErrInvalidType)
	}

	retry := 0
	if req.Retry != "" {
		n, err := strconv.Atoi(req.Retry)
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidRetry, req.Retry)
		}
		retry = n
	}

	if err := h.checkTopicCount(len(req.Topics)); err != nil {
		return "", err
	}

	scope := authz.AuthorizedTargets(claims, authz.Publisher)
	for _, target := range req.Targets {
		if !scope.Contains(target) {
			return "", fmt.Errorf("%w: %q", ErrTargetNotAuthorized, target)
		}
	}

	return h.Dispatch(ctx, req.Topics, []byte(req.Data), update.Options{
		ID:         req.ID,
		Targets:    req.Targets,
		AllTargets: len(req.Targets) == 0,
		Type:       req.Type,
		Retry:      retry,
	})
}

// Dispatch builds an update and pushes it to the log. The caller is already
// authorized. It returns the id of the update.
func (h *Hub) Dispatch(ctx context.Context, topics []string, data []byte, opts update.Options) (string, error) {
	// Held for the whole push so End cannot tear down the log underneath it
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state != StateListening {
		return "", ErrNotListening
	}
	if err := h.checkTopicCount(len(topics)); err != nil {
		return "", err
	}

	if h.config.IgnorePublisherID && opts.ID != "" {
		opts.PublisherID = opts.ID
		opts.ID = ""
	}

	u, err := update.New(topics, data, opts)
	if err != nil {
		return "", err
	}

	if err := h.history.Push(ctx, u); err != nil {
		return "", fmt.Errorf("failed to publish update: %w", err)
	}

	h.published.Add(1)
	return u.ID(), nil
}

// ChangeKeys rotates the signing keys and disconnects every subscriber that
// is not authorized for all targets, forcing them to authorize again.
func (h *Hub) ChangeKeys(ctx context.Context, keys authz.Keys) error {
	if err := h.authorizer.SetKeys(keys); err != nil {
		return err
	}

	removed := h.store.Clear(ctx, false)
	h.notifyRemoved(removed)

	h.logger.Info().Int("evicted", len(removed)).Msg("signing keys rotated")
	return nil
}

// KillSwitch replaces the keys with a random shared key, for use when a key
// has been compromised. The new key is logged and returned.
func (h *Hub) KillSwitch(ctx context.Context) (string, error) {
	buf := make([]byte, killSwitchKeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	key := hex.EncodeToString(buf)

	h.logger.Warn().Str("jwt_key", key).Msg("kill switch triggered, new JWT key generated")
	if err := h.ChangeKeys(ctx, authz.Keys{Shared: []byte(key)}); err != nil {
		return "", err
	}
	return key, nil
}

func (h *Hub) notifyRemoved(removed []*subscriber.Subscriber) {
	if h.config.Hooks.OnUnsubscribe == nil {
		return
	}
	for _, s := range removed {
		h.config.Hooks.OnUnsubscribe(s)
	}
}

// GeneratePublishToken signs a token allowing to publish to targets
func (h *Hub) GeneratePublishToken(targets []string) (string, error) {
	return h.authorizer.GeneratePublishToken(targets)
}

// GenerateSubscribeToken signs a token allowing to receive updates for targets
func (h *Hub) GenerateSubscribeToken(targets []string) (string, error) {
	return h.authorizer.GenerateSubscribeToken(targets)
}

// End shuts the hub down. The graceful path closes every subscriber, removes
// this instance from the census and drains the log. The forced path skips
// subscriber closure and releases connections immediately.
func (h *Hub) End(ctx context.Context, force bool) error {
	h.mu.Lock()
	if h.state == StateEnded {
		h.mu.Unlock()
		return nil
	}
	wasListening := h.state == StateListening
	h.state = StateEnded
	fanoutDone := h.fanoutDone
	h.mu.Unlock()

	var errs []error

	if !force {
		h.notifyRemoved(h.store.Clear(ctx, true))
		if err := h.store.Forget(ctx); err != nil {
			errs = append(errs, err)
		}
		if wasListening {
			if err := h.discovery.Leave(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := h.history.End(ctx, force); err != nil {
		errs = append(errs, fmt.Errorf("failed to end history: %w", err))
	}

	if wasListening && !force {
		select {
		case <-fanoutDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if err := h.discovery.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close discovery: %w", err))
	}

	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	h.logger.Info().Bool("force", force).Msg("hub ended")
	return errors.Join(errs...)
}

// Close ends the hub immediately.
func (h *Hub) Close() error {
	return h.End(context.Background(), true)
}

// State returns the lifecycle state
func (h *Hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// InstanceID returns the id of this hub in the cluster
func (h *Hub) InstanceID() string {
	return h.config.InstanceID
}

// Stats holds runtime figures for health reporting
type Stats struct {
	InstanceID  string    `json:"instanceId"`
	State       string    `json:"state"`
	SharedStore bool      `json:"sharedStore"`
	StartedAt   time.Time `json:"startedAt"`
	Subscribers int       `json:"subscribers"`
	Peers       int       `json:"peers"`
	Published   uint64    `json:"published"`
	Broadcast   uint64    `json:"broadcast"`
	Delivered   uint64    `json:"delivered"`
}

// Stats returns a snapshot of the hub's runtime figures
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	state := h.state
	startedAt := h.startedAt
	h.mu.RUnlock()

	return Stats{
		InstanceID:  h.config.InstanceID,
		State:       state.String(),
		SharedStore: h.redis != nil,
		StartedAt:   startedAt,
		Subscribers: h.store.Count(),
		Peers:       len(h.discovery.Peers()),
		Published:   h.published.Load(),
		Broadcast:   h.broadcast.Load(),
		Delivered:   h.delivered.Load(),
	}
}

// SubscriberCount returns the number of local subscribers
func (h *Hub) SubscriberCount() int {
	return h.store.Count()
}

// TotalSubscriberCount returns the number of subscribers across the cluster
func (h *Hub) TotalSubscriberCount(ctx context.Context) (int, error) {
	return h.store.TotalCount(ctx)
}

// Subscribers returns the summaries of every subscriber across the cluster
func (h *Hub) Subscribers(ctx context.Context) ([]subscriber.Summary, error) {
	return h.store.FullList(ctx)
}
