package history

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

// Receiver is what a History needs to know about a subscriber to compute its replay.
type Receiver interface {
	// LastEventID returns the id of the last update the receiver saw, or ""
	LastEventID() string

	// CanReceive reports whether the receiver is allowed and interested in the update
	CanReceive(u *update.Update) bool
}

// History is an append-only update log with a live notification feed.
type History interface {
	// Start begins listening for updates. Pushes made before Start returns
	// may not be observed on Updates.
	Start(ctx context.Context) error

	// Push appends the update to the log and broadcasts it.
	// Pushing to a History that is not running is a no-op.
	Push(ctx context.Context, u *update.Update) error

	// FindFor returns, in append order, every logged update strictly after the
	// one identified by r.LastEventID() that r can receive. An id that is not
	// in the log yields an empty result.
	FindFor(ctx context.Context, r Receiver) ([]*update.Update, error)

	// Updates returns the feed of new updates. It is closed when the History ends.
	Updates() <-chan *update.Update

	// End stops the History. When force is false pending work is drained,
	// otherwise underlying connections are released immediately.
	End(ctx context.Context, force bool) error

	// Close is End with force set, for synchronous teardown paths
	io.Closer
}

// Config holds options shared by all History backends.
type Config struct {
	// MaxSize is the number of newest entries retained for replay; 0 keeps everything
	MaxSize int

	// FeedBuffer is the capacity of the Updates channel
	FeedBuffer int
}

// DefaultFeedBuffer is used when Config.FeedBuffer is not set
const DefaultFeedBuffer = 256

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.FeedBuffer <= 0 {
		c.FeedBuffer = DefaultFeedBuffer
	}
	if c.MaxSize < 0 {
		c.MaxSize = 0
	}
}

// ReplayAfter scans entries in order and returns those strictly after the one
// whose id is lastEventID that r can receive. Backends share this scan.
func ReplayAfter(entries []*update.Update, lastEventID string, r Receiver) []*update.Update {
	result := make([]*update.Update, 0)
	found := false
	for _, u := range entries {
		if !found {
			found = u.ID() == lastEventID
			continue
		}
		if r.CanReceive(u) {
			result = append(result, u)
		}
	}
	return result
}
