package subscriber

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/mercurehub/internal/authz"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

// ErrSlowSubscriber is returned by a Conn whose send buffer is full
var ErrSlowSubscriber = errors.New("subscriber is too slow to keep up")

// ErrConnClosed is returned by a Conn that has been closed
var ErrConnClosed = errors.New("connection closed")

// Conn is the transport side of a subscriber: one long-lived connection.
// Send must not block; a connection that cannot accept an update returns an error.
// SendContext waits for room until ctx is done or the connection is closed.
type Conn interface {
	Send(u *update.Update) error
	SendContext(ctx context.Context, u *update.Update) error
	Close() error
	RemoteAddr() string
}

// Subscriber represents one open connection and what it may receive.
// Topics, scope and last event id are fixed for the lifetime of the connection.
type Subscriber struct {
	id          string
	conn        Conn
	scope       authz.Scope
	topics      []Topic
	lastEventID string
	connectedAt time.Time

	// Live updates arriving while the replay is in flight are queued here.
	mu        sync.Mutex
	replaying bool
	pending   []*update.Update
}

// New creates a Subscriber owning conn.
// When lastEventID is set the subscriber starts in replay mode until FinishReplay is called.
func New(conn Conn, scope authz.Scope, topics []Topic, lastEventID string) *Subscriber {
	return &Subscriber{
		id:          uuid.NewString(),
		conn:        conn,
		scope:       scope,
		topics:      topics,
		lastEventID: lastEventID,
		connectedAt: time.Now(),
		replaying:   lastEventID != "",
	}
}

// ID returns the unique identifier of this subscriber
func (s *Subscriber) ID() string {
	return s.id
}

// LastEventID returns the id of the last event the subscriber saw before connecting
func (s *Subscriber) LastEventID() string {
	return s.lastEventID
}

// Scope returns the authorization scope of the subscriber
func (s *Subscriber) Scope() authz.Scope {
	return s.scope
}

// AllTargetsAuthorized reports whether the subscriber may receive every target
func (s *Subscriber) AllTargetsAuthorized() bool {
	return s.scope.All
}

// Topics returns the topic selectors as declared
func (s *Subscriber) Topics() []string {
	result := make([]string, len(s.topics))
	for i, t := range s.topics {
		result[i] = t.String()
	}
	return result
}

// ConnectedAt returns when the subscriber connected
func (s *Subscriber) ConnectedAt() time.Time {
	return s.connectedAt
}

// CanReceive reports whether the update is both authorized and subscribed to.
func (s *Subscriber) CanReceive(u *update.Update) bool {
	return s.IsAuthorized(u) && s.IsSubscribed(u)
}

// IsAuthorized checks the update's targets against the subscriber's scope.
func (s *Subscriber) IsAuthorized(u *update.Update) bool {
	// Either allowed to receive every target, or a public-only subscriber
	if s.scope.All || len(s.scope.Targets) == 0 {
		return true
	}

	if u.IsPublic() {
		return true
	}

	for _, target := range s.scope.Targets {
		if u.HasTarget(target) {
			return true
		}
	}
	return false
}

// IsSubscribed reports whether one of the subscriber's selectors matches one of the update's topics.
func (s *Subscriber) IsSubscribed(u *update.Update) bool {
	for _, selector := range s.topics {
		if u.MatchesAnyTopic(selector.Match) {
			return true
		}
	}
	return false
}

// Send pushes an update to the connection. During replay the update is queued instead.
func (s *Subscriber) Send(u *update.Update) error {
	s.mu.Lock()
	if s.replaying {
		s.pending = append(s.pending, u)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.conn.Send(u)
}

// FinishReplay sends the missed updates, then the live updates queued while
// they were being looked up, skipping any already sent as part of the replay.
// Replayed updates wait for room in the connection, bounded by ctx.
func (s *Subscriber) FinishReplay(ctx context.Context, missed []*update.Update) error {
	sent := make(map[string]struct{}, len(missed))
	for _, u := range missed {
		if err := s.conn.SendContext(ctx, u); err != nil {
			s.stopReplay()
			return err
		}
		sent[u.ID()] = struct{}{}
	}

	// Drain until the queue stays empty; Send keeps queueing until replaying is cleared.
	for {
		s.mu.Lock()
		queued := s.pending
		s.pending = nil
		if len(queued) == 0 {
			s.replaying = false
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		for _, u := range queued {
			if _, dup := sent[u.ID()]; dup {
				continue
			}
			if err := s.conn.SendContext(ctx, u); err != nil {
				s.stopReplay()
				return err
			}
			sent[u.ID()] = struct{}{}
		}
	}
}

func (s *Subscriber) stopReplay() {
	s.mu.Lock()
	s.replaying = false
	s.pending = nil
	s.mu.Unlock()
}

// Close forcibly terminates the underlying connection.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}

// Summary is the cluster-visible description of a subscriber.
// It never carries the connection itself.
type Summary struct {
	ID          string   `json:"id"`
	Topics      []string `json:"topics"`
	Address     string   `json:"ip"`
	All         bool     `json:"all"`
	LastEventID string   `json:"last,omitempty"`
	Authorized  []string `json:"authorized"`
}

// Summary returns the census view of this subscriber
func (s *Subscriber) Summary() Summary {
	return Summary{
		ID:          s.id,
		Topics:      s.Topics(),
		Address:     s.conn.RemoteAddr(),
		All:         s.scope.All,
		LastEventID: s.lastEventID,
		Authorized:  s.scope.Targets,
	}
}
