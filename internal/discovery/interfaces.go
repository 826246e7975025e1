package discovery

import (
	"context"
	"time"
)

// Peer is another hub instance sharing the same store
type Peer struct {
	ID       string
	JoinedAt time.Time
}

// Discovery tracks the hub instances of a cluster.
type Discovery interface {
	// Start begins watching for instances joining and leaving
	Start(ctx context.Context) error

	// Join announces this instance to the others
	Join(ctx context.Context) error

	// Leave announces this instance is going away
	Leave(ctx context.Context) error

	// Peers returns the other known instances
	Peers() []Peer

	// Close stops watching
	Close() error
}
