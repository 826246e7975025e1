package httpapi

import (
	"context"
	"sync"

	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

// sseConn is the hub side of one event stream. The hub sends into a
// buffered channel; the request handler drains it onto the wire.
type sseConn struct {
	remoteAddr string
	updates    chan *update.Update
	done       chan struct{}
	closeOnce  sync.Once
}

var _ subscriber.Conn = (*sseConn)(nil)

func newSSEConn(remoteAddr string, bufferSize int) *sseConn {
	return &sseConn{
		remoteAddr: remoteAddr,
		updates:    make(chan *update.Update, bufferSize),
		done:       make(chan struct{}),
	}
}

// Send queues u without blocking
func (c *sseConn) Send(u *update.Update) error {
	select {
	case <-c.done:
		return subscriber.ErrConnClosed
	default:
	}

	select {
	case c.updates <- u:
		return nil
	default:
		return subscriber.ErrSlowSubscriber
	}
}

// SendContext queues u, waiting for room until ctx is done or the stream closes
func (c *sseConn) SendContext(ctx context.Context, u *update.Update) error {
	select {
	case <-c.done:
		return subscriber.ErrConnClosed
	default:
	}

	select {
	case c.updates <- u:
		return nil
	case <-c.done:
		return subscriber.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream; the handler returns once it notices
func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *sseConn) RemoteAddr() string {
	return c.remoteAddr
}

// Done is closed when the hub closed the connection
func (c *sseConn) Done() <-chan struct{} {
	return c.done
}
