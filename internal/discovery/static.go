package discovery

import (
	"context"
	"time"
)

// StaticDiscovery implements Discovery for a fixed set of peers, typically none
// for a hub running without a shared store.
type StaticDiscovery struct {
	peers []Peer
}

// NewStaticDiscovery creates a discovery service that always reports the given peer ids
func NewStaticDiscovery(peerIDs []string) *StaticDiscovery {
	now := time.Now()
	peers := make([]Peer, len(peerIDs))
	for i, id := range peerIDs {
		peers[i] = Peer{ID: id, JoinedAt: now}
	}
	return &StaticDiscovery{peers: peers}
}

func (s *StaticDiscovery) Start(ctx context.Context) error { return nil }
func (s *StaticDiscovery) Join(ctx context.Context) error  { return nil }
func (s *StaticDiscovery) Leave(ctx context.Context) error { return nil }
func (s *StaticDiscovery) Close() error                    { return nil }

// Peers returns the static peer list
func (s *StaticDiscovery) Peers() []Peer {
	peers := make([]Peer, len(s.peers))
	copy(peers, s.peers)
	return peers
}

var _ Discovery = (*StaticDiscovery)(nil)
