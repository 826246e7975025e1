package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

var testKeys = authz.Keys{Shared: []byte("hub-test-key")}

// chanConn is a subscriber.Conn delivering into a buffered channel
type chanConn struct {
	updates chan *update.Update

	mu      sync.Mutex
	closed  bool
	sendErr error
}

func newChanConn() *chanConn {
	return &chanConn{updates: make(chan *update.Update, 64)}
}

func (c *chanConn) Send(u *update.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return subscriber.ErrConnClosed
	}
	c.updates <- u
	return nil
}

func (c *chanConn) SendContext(ctx context.Context, u *update.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Send(u)
}

func (c *chanConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *chanConn) RemoteAddr() string { return "192.0.2.1:1234" }

func (c *chanConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *chanConn) next(t *testing.T) *update.Update {
	t.Helper()
	select {
	case u := <-c.updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an update")
		return nil
	}
}

func (c *chanConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case u := <-c.updates:
		t.Fatalf("unexpected update %s", u.ID())
	case <-time.After(100 * time.Millisecond):
	}
}

func startHub(t *testing.T, config *Config) *Hub {
	t.Helper()
	h, err := New(config)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { h.Close() })
	return h
}

func subscribeRequest(token string, lastEventID string, topics ...string) *http.Request {
	query := url.Values{}
	for _, topic := range topics {
		query.Add("topic", topic)
	}
	r := httptest.NewRequest(http.MethodGet, "/hub?"+query.Encode(), nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if lastEventID != "" {
		r.Header.Set("Last-Event-ID", lastEventID)
	}
	return r
}

// connect accepts and commits a subscriber holding a token for targets, or anonymous when targets is nil
func connect(t *testing.T, h *Hub, targets []string, lastEventID string, topics ...string) (*subscriber.Subscriber, *chanConn) {
	t.Helper()

	token := ""
	if targets != nil {
		var err error
		token, err = h.GenerateSubscribeToken(targets)
		require.NoError(t, err)
	}

	hs, err := h.Accept(subscribeRequest(token, lastEventID, topics...))
	require.NoError(t, err)

	conn := newChanConn()
	s, err := h.Commit(context.Background(), hs, conn)
	require.NoError(t, err)
	return s, conn
}

func publisherClaims(targets ...string) *authz.Claims {
	return &authz.Claims{Mercure: &authz.MercureClaim{Publish: targets}}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(NewConfig(authz.Keys{}))
	assert.ErrorIs(t, err, authz.ErrMissingKey)

	_, err = New(NewConfig(testKeys).WithMaxTopics(-1))
	assert.ErrorIs(t, err, ErrNegativeMaxTopics)

	_, err = New(NewConfig(testKeys).WithInstanceID(""))
	assert.ErrorIs(t, err, ErrEmptyInstanceID)
}

func TestHub_Lifecycle(t *testing.T) {
	h, err := New(NewConfig(testKeys))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, StateCreated, h.State())
	_, err = h.Dispatch(ctx, []string{"/t"}, []byte("x"), update.Options{})
	assert.ErrorIs(t, err, ErrNotListening)

	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Start(ctx), "Start is idempotent")
	assert.Equal(t, StateListening, h.State())

	require.NoError(t, h.End(ctx, false))
	require.NoError(t, h.Close(), "End is idempotent")
	assert.Equal(t, StateEnded, h.State())

	assert.ErrorIs(t, h.Start(ctx), ErrEnded)
	_, err = h.Dispatch(ctx, []string{"/t"}, []byte("x"), update.Options{})
	assert.ErrorIs(t, err, ErrNotListening)
	_, err = h.Accept(subscribeRequest("", "", "/t"))
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestHub_AnonymousSubscriberReceivesPublicUpdate(t *testing.T) {
	h := startHub(t, NewConfig(testKeys).WithAnonymous(true))
	ctx := context.Background()

	_, conn := connect(t, h, nil, "", "/books/{id}")

	id, err := h.Publish(ctx, publisherClaims("*"), PublishRequest{Topics: []string{"/books/42"}, Data: "the book"})
	require.NoError(t, err)

	u := conn.next(t)
	assert.Equal(t, id, u.ID())
	assert.Equal(t, []string{"/books/42"}, u.Topics())
	assert.Equal(t, []byte("the book"), u.Data())
	assert.True(t, u.IsPublic())
	conn.expectNothing(t)
}

func TestHub_TargetedDelivery(t *testing.T) {
	h := startHub(t, NewConfig(testKeys))
	ctx := context.Background()

	_, onlyB := connect(t, h, []string{"B"}, "", "/books/{id}")
	_, aAndB := connect(t, h, []string{"A", "B"}, "", "/books/{id}")

	_, err := h.Publish(ctx, publisherClaims("A"), PublishRequest{Topics: []string{"/books/1"}, Data: "for A", Targets: []string{"A"}})
	require.NoError(t, err)

	u := aAndB.next(t)
	assert.Equal(t, []string{"A"}, u.Targets())
	onlyB.expectNothing(t)
}

func TestHub_TopicMismatchNotDelivered(t *testing.T) {
	h := startHub(t, NewConfig(testKeys))

	_, conn := connect(t, h, []string{"*"}, "", "/books/{id}")

	_, err := h.Dispatch(context.Background(), []string{"/authors/1"}, []byte("x"), update.Options{AllTargets: true})
	require.NoError(t, err)
	conn.expectNothing(t)
}

func TestHub_OverLimitTopicsRejectedBeforeAppend(t *testing.T) {
	h := startHub(t, NewConfig(testKeys).WithMaxTopics(1))
	ctx := context.Background()

	_, err := h.Publish(ctx, publisherClaims("*"), PublishRequest{Topics: []string{"/a", "/b"}, Data: "x"})
	assert.ErrorIs(t, err, ErrTooManyTopics)
	assert.True(t, IsValidation(err))

	_, err = h.Dispatch(ctx, []string{"/a", "/b"}, []byte("x"), update.Options{})
	assert.ErrorIs(t, err, ErrTooManyTopics)

	assert.Zero(t, h.Stats().Published)
	assert.Zero(t, h.Stats().Broadcast)

	_, err = h.Accept(subscribeRequest(mustSubscribeToken(t, h, "*"), "", "/a", "/b"))
	assert.ErrorIs(t, err, ErrTooManyTopics)
}

func mustSubscribeToken(t *testing.T, h *Hub, targets ...string) string {
	t.Helper()
	token, err := h.GenerateSubscribeToken(targets)
	require.NoError(t, err)
	return token
}

func TestHub_PublishValidation(t *testing.T) {
	h := startHub(t, NewConfig(testKeys))
	ctx := context.Background()

	valid := PublishRequest{Topics: []string{"/t"}, Data: "x"}

	tests := []struct {
		name    string
		claims  *authz.Claims
		mutate  func(r *PublishRequest)
		wantErr error
	}{
		{name: "anonymous", claims: nil, mutate: func(r *PublishRequest) {}, wantErr: ErrForbidden},
		{name: "missing topic", claims: publisherClaims("*"), mutate: func(r *PublishRequest) { r.Topics = nil }, wantErr: ErrMissingTopic},
		{name: "empty topic", claims: publisherClaims("*"), mutate: func(r *PublishRequest) { r.Topics = []string{""} }, wantErr: ErrMissingTopic},
		{name: "missing data", claims: publisherClaims("*"), mutate: func(r *PublishRequest) { r.Data = "" }, wantErr: ErrMissingData},
		{name: "negative retry", claims: publisherClaims("*"), mutate: func(r *PublishRequest) { r.Retry = "-1" }, wantErr: ErrInvalidRetry},
		{name: "non numeric retry", claims: publisherClaims("*"), mutate: func(r *PublishRequest) { r.Retry = "soon" }, wantErr: ErrInvalidRetry},
		{name: "line break in id", claims: publisherClaims("*"), mutate: func(r *PublishRequest) { r.ID = "x\ndata: injected" }, wantErr: ErrInvalidID},
		{name: "carriage return in type", claims: publisherClaims("*"), mutate: func(r *PublishRequest) { r.Type = "message\rid: forged" }, wantErr: ErrInvalidType},
		{name: "target outside scope", claims: publisherClaims("A"), mutate: func(r *PublishRequest) { r.Targets = []string{"B"} }, wantErr: ErrTargetNotAuthorized},
		{name: "no publish section", claims: &authz.Claims{}, mutate: func(r *PublishRequest) { r.Targets = []string{"A"} }, wantErr: ErrTargetNotAuthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.Publish(ctx, tt.claims, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	id, err := h.Publish(ctx, publisherClaims("A"), PublishRequest{Topics: []string{"/t"}, Data: "x", Targets: []string{"A"}, Retry: "1500", Type: "custom"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestHub_PublisherIDPolicy(t *testing.T) {
	t.Run("ignored", func(t *testing.T) {
		h := startHub(t, NewConfig(testKeys))
		_, conn := connect(t, h, []string{"*"}, "", "/t")

		id, err := h.Dispatch(context.Background(), []string{"/t"}, []byte("x"), update.Options{ID: "client-id", AllTargets: true})
		require.NoError(t, err)
		assert.NotEqual(t, "client-id", id)

		u := conn.next(t)
		assert.Equal(t, id, u.ID())
		assert.Equal(t, "client-id", u.PublisherID())
	})

	t.Run("honored", func(t *testing.T) {
		h := startHub(t, NewConfig(testKeys).WithIgnorePublisherID(false))

		id, err := h.Dispatch(context.Background(), []string{"/t"}, []byte("x"), update.Options{ID: "client-id"})
		require.NoError(t, err)
		assert.Equal(t, "client-id", id)
	})
}

func TestHub_ReplayThenLive(t *testing.T) {
	h := startHub(t, NewConfig(testKeys).WithIgnorePublisherID(false))
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := h.Dispatch(ctx, []string{"/books/1"}, []byte(id), update.Options{ID: id, AllTargets: true})
		require.NoError(t, err)
	}
	// Let fan-out drain the feed before the subscriber registers
	require.Eventually(t, func() bool { return h.Stats().Broadcast == 3 }, time.Second, 10*time.Millisecond)

	_, conn := connect(t, h, []string{"*"}, "e1", "/books/{id}")
	assert.Equal(t, "e2", conn.next(t).ID())
	assert.Equal(t, "e3", conn.next(t).ID())

	_, err := h.Dispatch(ctx, []string{"/books/1"}, []byte("e4"), update.Options{ID: "e4", AllTargets: true})
	require.NoError(t, err)
	assert.Equal(t, "e4", conn.next(t).ID())
	conn.expectNothing(t)
}

func TestHub_ReplayUnknownIDDeliversOnlyLive(t *testing.T) {
	h := startHub(t, NewConfig(testKeys).WithIgnorePublisherID(false))
	ctx := context.Background()

	_, err := h.Dispatch(ctx, []string{"/t"}, []byte("old"), update.Options{ID: "old", AllTargets: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Stats().Broadcast == 1 }, time.Second, 10*time.Millisecond)

	_, conn := connect(t, h, []string{"*"}, "expired-id", "/t")
	conn.expectNothing(t)

	_, err = h.Dispatch(ctx, []string{"/t"}, []byte("new"), update.Options{ID: "new", AllTargets: true})
	require.NoError(t, err)
	assert.Equal(t, "new", conn.next(t).ID())
}

func TestHub_AcceptRejections(t *testing.T) {
	h := startHub(t, NewConfig(testKeys))

	_, err := h.Accept(subscribeRequest("", "", "/t"))
	assert.ErrorIs(t, err, ErrForbidden, "anonymous subscribers are not allowed by default")

	_, err = h.Accept(subscribeRequest("not-a-token", "", "/t"))
	assert.ErrorIs(t, err, authz.ErrInvalidToken)

	token := mustSubscribeToken(t, h, "*")
	_, err = h.Accept(subscribeRequest(token, ""))
	assert.ErrorIs(t, err, ErrMissingTopic)

	_, err = h.Accept(subscribeRequest(token, "", "/books/{id"))
	assert.ErrorIs(t, err, subscriber.ErrInvalidTopic)
	assert.True(t, IsValidation(err))

	assert.Zero(t, h.SubscriberCount(), "rejected handshakes never register a subscriber")
}

func TestHub_AcceptLastEventIDFromQuery(t *testing.T) {
	h := startHub(t, NewConfig(testKeys).WithAnonymous(true))

	r := httptest.NewRequest(http.MethodGet, "/hub?topic=/t&lastEventID=abc", nil)
	hs, err := h.Accept(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", hs.LastEventID())
	assert.Equal(t, []string{"/t"}, hs.Topics())
	assert.Nil(t, hs.Claims())
	assert.False(t, hs.Scope().All)
}

func TestHub_ChangeKeysEvictsScopedSubscribers(t *testing.T) {
	h := startHub(t, NewConfig(testKeys).WithAnonymous(true))
	ctx := context.Background()

	_, full := connect(t, h, []string{"*"}, "", "/t")
	_, scoped := connect(t, h, []string{"A"}, "", "/t")
	_, anonymous := connect(t, h, nil, "", "/t")
	require.Equal(t, 3, h.SubscriberCount())

	oldToken := mustSubscribeToken(t, h, "A")
	require.NoError(t, h.ChangeKeys(ctx, authz.Keys{Shared: []byte("rotated-key")}))

	assert.True(t, scoped.isClosed())
	assert.True(t, anonymous.isClosed())
	assert.False(t, full.isClosed())
	assert.Equal(t, 1, h.SubscriberCount())

	_, err := h.Accept(subscribeRequest(oldToken, "", "/t"))
	assert.ErrorIs(t, err, authz.ErrInvalidToken, "tokens signed with the old key are rejected")

	_, err = h.Dispatch(ctx, []string{"/t"}, []byte("x"), update.Options{AllTargets: true})
	require.NoError(t, err)
	full.next(t)
}

func TestHub_KillSwitch(t *testing.T) {
	h := startHub(t, NewConfig(testKeys))

	oldToken := mustSubscribeToken(t, h, "*")
	key, err := h.KillSwitch(context.Background())
	require.NoError(t, err)
	assert.Len(t, key, 2*killSwitchKeySize)

	_, err = h.Accept(subscribeRequest(oldToken, "", "/t"))
	assert.ErrorIs(t, err, authz.ErrInvalidToken)

	_, err = h.Accept(subscribeRequest(mustSubscribeToken(t, h, "*"), "", "/t"))
	assert.NoError(t, err)
}

func TestHub_FailingSubscriberIsIsolated(t *testing.T) {
	h := startHub(t, NewConfig(testKeys))

	broken, brokenConn := connect(t, h, []string{"*"}, "", "/t")
	_, healthy := connect(t, h, []string{"*"}, "", "/t")
	brokenConn.mu.Lock()
	brokenConn.sendErr = subscriber.ErrSlowSubscriber
	brokenConn.mu.Unlock()

	id, err := h.Dispatch(context.Background(), []string{"/t"}, []byte("x"), update.Options{AllTargets: true})
	require.NoError(t, err, "a failing subscriber never fails the publish")

	assert.Equal(t, id, healthy.next(t).ID())
	require.Eventually(t, brokenConn.isClosed, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	// Disconnecting an evicted subscriber is harmless
	h.Disconnect(context.Background(), broken)
}

func TestHub_Hooks(t *testing.T) {
	var mu sync.Mutex
	var subscribed, unsubscribed, published int
	config := NewConfig(testKeys).WithHooks(Hooks{
		OnSubscribe:   func(*subscriber.Subscriber) { mu.Lock(); subscribed++; mu.Unlock() },
		OnUnsubscribe: func(*subscriber.Subscriber) { mu.Lock(); unsubscribed++; mu.Unlock() },
		OnPublish:     func(*update.Update, int) { mu.Lock(); published++; mu.Unlock() },
	})
	h := startHub(t, config)
	ctx := context.Background()

	s, _ := connect(t, h, []string{"*"}, "", "/t")
	_, err := h.Dispatch(ctx, []string{"/t"}, []byte("x"), update.Options{AllTargets: true})
	require.NoError(t, err)
	h.Disconnect(ctx, s)
	h.Disconnect(ctx, s)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return published == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, subscribed)
	assert.Equal(t, 1, unsubscribed, "unsubscribe fires once per subscriber")
}

func TestHub_GracefulEndClosesSubscribers(t *testing.T) {
	h, err := New(NewConfig(testKeys))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	_, conn := connect(t, h, []string{"*"}, "", "/t")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.End(ctx, false))

	assert.True(t, conn.isClosed())
	assert.Zero(t, h.SubscriberCount())
}

func TestHub_ForcedEndLeavesConnectionsToTransport(t *testing.T) {
	h, err := New(NewConfig(testKeys))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	_, conn := connect(t, h, []string{"*"}, "", "/t")
	require.NoError(t, h.End(context.Background(), true))

	assert.False(t, conn.isClosed())
}

func TestHub_ClusterQueriesWithoutSharedStore(t *testing.T) {
	h := startHub(t, NewConfig(testKeys))

	_, err := h.TotalSubscriberCount(context.Background())
	assert.Error(t, err)

	stats := h.Stats()
	assert.False(t, stats.SharedStore)
	assert.Equal(t, "listening", stats.State)
	assert.Zero(t, stats.Peers)
}

func TestHub_SharedStoreAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	options := &redis.Options{Addr: mr.Addr()}

	first := startHub(t, NewConfig(testKeys).WithInstanceID("first").WithRedis(options))
	second := startHub(t, NewConfig(testKeys).WithInstanceID("second").WithRedis(options))
	ctx := context.Background()

	_, conn := connect(t, second, []string{"*"}, "", "/books/{id}")
	connect(t, first, []string{"A"}, "", "/books/{id}")

	// Published on one instance, delivered by the other
	id, err := first.Publish(ctx, publisherClaims("*"), PublishRequest{Topics: []string{"/books/1"}, Data: "shared"})
	require.NoError(t, err)
	assert.Equal(t, id, conn.next(t).ID())

	total, err := second.TotalSubscriberCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	list, err := first.Subscribers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Replay is served from the shared log by any instance
	require.Eventually(t, func() bool { return first.Stats().Broadcast == 1 }, 2*time.Second, 10*time.Millisecond)
	_, late := connect(t, first, []string{"*"}, id, "/books/{id}")
	late.expectNothing(t)

	require.Eventually(t, func() bool { return len(first.discovery.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, first.Stats().SharedStore)
}

func TestHub_GracefulEndRemovesCensusEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	options := &redis.Options{Addr: mr.Addr()}

	h, err := New(NewConfig(testKeys).WithInstanceID("leaving").WithRedis(options))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	connect(t, h, []string{"*"}, "", "/t")
	require.True(t, mr.Exists("mercure-subscribers"))

	require.NoError(t, h.End(context.Background(), false))
	assert.False(t, mr.Exists("mercure-subscribers"))
}

func TestHub_EvictionUpdatesSharedCensus(t *testing.T) {
	mr := miniredis.RunT(t)
	h := startHub(t, NewConfig(testKeys).WithRedis(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	_, healthy := connect(t, h, []string{"*"}, "", "/t")
	_, brokenConn := connect(t, h, []string{"*"}, "", "/t")
	brokenConn.mu.Lock()
	brokenConn.sendErr = subscriber.ErrSlowSubscriber
	brokenConn.mu.Unlock()

	id, err := h.Dispatch(ctx, []string{"/t"}, []byte("x"), update.Options{AllTargets: true})
	require.NoError(t, err)
	assert.Equal(t, id, healthy.next(t).ID())

	require.Eventually(t, func() bool {
		total, err := h.TotalSubscriberCount(ctx)
		return err == nil && total == 1
	}, 2*time.Second, 10*time.Millisecond)
}
