package subscribers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Send(*update.Update) error { return nil }

func (c *fakeConn) SendContext(context.Context, *update.Update) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "10.0.0.1:5555" }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newSubscriber(t *testing.T, scope authz.Scope) (*subscriber.Subscriber, *fakeConn) {
	t.Helper()
	topics, err := subscriber.CompileTopics([]string{"/books/{id}"})
	require.NoError(t, err)
	conn := &fakeConn{}
	return subscriber.New(conn, scope, topics, ""), conn
}

func newCensus(t *testing.T) (*RedisCensus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCensus(client), mr
}

func TestStore_AddDeleteList(t *testing.T) {
	st := NewStore("node-1", nil, zerolog.Nop())
	ctx := context.Background()

	a, _ := newSubscriber(t, authz.Scope{All: true})
	b, _ := newSubscriber(t, authz.Scope{Targets: []string{}})

	st.Add(ctx, a)
	st.Add(ctx, b)
	st.Add(ctx, a)
	assert.Equal(t, 2, st.Count(), "adding the same subscriber twice keeps one entry")
	assert.ElementsMatch(t, []*subscriber.Subscriber{a, b}, st.List())

	assert.True(t, st.Delete(ctx, a))
	assert.False(t, st.Delete(ctx, a), "deleting twice reports the second as absent")
	assert.Equal(t, 1, st.Count())
}

func TestStore_ListIsSnapshot(t *testing.T) {
	st := NewStore("node-1", nil, zerolog.Nop())
	ctx := context.Background()

	a, _ := newSubscriber(t, authz.Scope{All: true})
	st.Add(ctx, a)

	list := st.List()
	st.Delete(ctx, a)

	assert.Len(t, list, 1, "mutations after List must not affect the snapshot")
}

func TestStore_ClusterQueriesWithoutCensus(t *testing.T) {
	st := NewStore("node-1", nil, zerolog.Nop())

	_, err := st.TotalCount(context.Background())
	assert.ErrorIs(t, err, ErrSharedStoreUnavailable)

	_, err = st.FullList(context.Background())
	assert.ErrorIs(t, err, ErrSharedStoreUnavailable)

	assert.NoError(t, st.Forget(context.Background()))
}

func TestStore_ClearKeepsAllAuthorized(t *testing.T) {
	st := NewStore("node-1", nil, zerolog.Nop())
	ctx := context.Background()

	full, fullConn := newSubscriber(t, authz.Scope{All: true})
	scoped, scopedConn := newSubscriber(t, authz.Scope{Targets: []string{"A"}})
	public, publicConn := newSubscriber(t, authz.Scope{Targets: []string{}})
	st.Add(ctx, full)
	st.Add(ctx, scoped)
	st.Add(ctx, public)

	removed := st.Clear(ctx, false)

	assert.ElementsMatch(t, []*subscriber.Subscriber{scoped, public}, removed)
	assert.True(t, scopedConn.isClosed())
	assert.True(t, publicConn.isClosed())
	assert.False(t, fullConn.isClosed())
	assert.Equal(t, []*subscriber.Subscriber{full}, st.List())
}

func TestStore_ClearAll(t *testing.T) {
	st := NewStore("node-1", nil, zerolog.Nop())
	ctx := context.Background()

	full, fullConn := newSubscriber(t, authz.Scope{All: true})
	st.Add(ctx, full)

	removed := st.Clear(ctx, true)
	assert.Len(t, removed, 1)
	assert.True(t, fullConn.isClosed())
	assert.Zero(t, st.Count())
}

func TestStore_CensusAcrossInstances(t *testing.T) {
	census, mr := newCensus(t)
	ctx := context.Background()

	first := NewStore("node-1", census, zerolog.Nop())
	second := NewStore("node-2", census, zerolog.Nop())

	a, _ := newSubscriber(t, authz.Scope{All: true})
	b, _ := newSubscriber(t, authz.Scope{Targets: []string{"A"}})
	c, _ := newSubscriber(t, authz.Scope{Targets: []string{}})
	first.Add(ctx, a)
	first.Add(ctx, b)
	second.Add(ctx, c)

	total, err := first.TotalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	list, err := second.FullList(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.ID)
		assert.Equal(t, "10.0.0.1:5555", s.Address)
		assert.Equal(t, []string{"/books/{id}"}, s.Topics)
	}
	assert.ElementsMatch(t, []string{a.ID(), b.ID(), c.ID()}, ids)

	assert.True(t, mr.Exists(CensusKey))
	fields, err := mr.HKeys(CensusKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"process-node-1", "process-node-2"}, fields)

	first.Delete(ctx, b)
	total, err = second.TotalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestStore_ForgetRemovesInstance(t *testing.T) {
	census, mr := newCensus(t)
	ctx := context.Background()

	st := NewStore("node-1", census, zerolog.Nop())
	a, _ := newSubscriber(t, authz.Scope{All: true})
	st.Add(ctx, a)

	require.NoError(t, st.Forget(ctx))
	assert.False(t, mr.Exists(CensusKey))

	// Late disconnects during shutdown must not bring the entry back
	st.Delete(ctx, a)
	assert.False(t, mr.Exists(CensusKey))
}

func TestStore_ConcurrentMutations(t *testing.T) {
	census, _ := newCensus(t)
	ctx := context.Background()
	st := NewStore("node-1", census, zerolog.Nop())

	const n = 20
	subs := make([]*subscriber.Subscriber, n)
	for i := range subs {
		subs[i], _ = newSubscriber(t, authz.Scope{Targets: []string{}})
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscriber.Subscriber) {
			defer wg.Done()
			st.Add(ctx, s)
		}(s)
	}
	wg.Wait()

	total, err := st.TotalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, total, "the last census write reflects every add")
}

// gatedCensus holds Publish calls while gated
type gatedCensus struct {
	gate chan struct{}

	mu     sync.Mutex
	gated  bool
	latest []subscriber.Summary
	writes int
}

func newGatedCensus() *gatedCensus {
	return &gatedCensus{gate: make(chan struct{})}
}

func (c *gatedCensus) Publish(ctx context.Context, instanceID string, summaries []subscriber.Summary) error {
	c.mu.Lock()
	gated := c.gated
	c.mu.Unlock()
	if gated {
		<-c.gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = summaries
	c.writes++
	return nil
}

func (c *gatedCensus) All(ctx context.Context) ([]subscriber.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, nil
}

func (c *gatedCensus) Remove(ctx context.Context, instanceID string) error { return nil }

func (c *gatedCensus) hold() {
	c.mu.Lock()
	c.gated = true
	c.mu.Unlock()
}

func (c *gatedCensus) snapshot() ([]subscriber.Summary, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.writes
}

func TestStore_EvictDoesNotWaitForCensus(t *testing.T) {
	census := newGatedCensus()
	st := NewStore("node-1", census, zerolog.Nop())
	ctx := context.Background()

	a, _ := newSubscriber(t, authz.Scope{All: true})
	b, _ := newSubscriber(t, authz.Scope{All: true})
	st.Add(ctx, a)
	st.Add(ctx, b)
	census.hold()

	evicted := make(chan bool, 2)
	go func() {
		evicted <- st.Evict(a)
		evicted <- st.Evict(a)
	}()
	for _, want := range []bool{true, false} {
		select {
		case got := <-evicted:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("Evict blocked on the census write")
		}
	}
	assert.Equal(t, []*subscriber.Subscriber{b}, st.List())

	close(census.gate)
	require.Eventually(t, func() bool {
		latest, _ := census.snapshot()
		return len(latest) == 1 && latest[0].ID == b.ID()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_EvictWithoutCensus(t *testing.T) {
	st := NewStore("node-1", nil, zerolog.Nop())
	a, _ := newSubscriber(t, authz.Scope{All: true})
	st.Add(context.Background(), a)

	assert.True(t, st.Evict(a))
	assert.Zero(t, st.Count())
}

func TestStore_NoCensusWriteAfterForget(t *testing.T) {
	census := newGatedCensus()
	st := NewStore("node-1", census, zerolog.Nop())
	a, _ := newSubscriber(t, authz.Scope{All: true})
	st.Add(context.Background(), a)
	_, writes := census.snapshot()

	require.NoError(t, st.Forget(context.Background()))
	st.Evict(a)

	time.Sleep(50 * time.Millisecond)
	_, after := census.snapshot()
	assert.Equal(t, writes, after)
}
