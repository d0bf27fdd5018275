package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// leaseState is the per-key exclusive lock a shard tracks so Lease/Release
// can detect self-expiry and ownership without a separate lock map.
type leaseState struct {
	token     string
	expiresAt time.Time
}

// Lease is an exclusive, revocable hold on one grid key. The holder is
// expected to complete its mutation and call Release before TTL; if it
// doesn't, the lease self-expires and a later acquirer may take it (§4.5
// "Guarantees").
type Lease struct {
	grid  *Grid
	key   string
	token string
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Release drops the lease if the caller still holds it; releasing a lease
// that already expired (and may have been re-acquired by someone else) is
// a no-op rather than an error, matching the self-expiry contract.
func (l *Lease) Release() {
	s := shardFor(&l.grid.shards, l.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.leases[l.key]; ok && ls.token == l.token {
		delete(s.leases, l.key)
	}
}

// Lease attempts to acquire an exclusive lock on key for ttl. It blocks
// until the lock is free or ctx is done, returning KindLeaseUnavailable on
// timeout per §7.
func (g *Grid) Lease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	for {
		s := shardFor(&g.shards, key)
		s.mu.Lock()
		now := time.Now()
		existing, held := s.leases[key]
		if !held || now.After(existing.expiresAt) {
			s.leases[key] = &leaseState{token: token, expiresAt: now.Add(ttl)}
			s.mu.Unlock()
			return &Lease{grid: g, key: key, token: token}, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.KindLeaseUnavailable, "", "lease acquisition timed out for "+key, ctx.Err())
		case <-time.After(minDuration(ttl/4, 5*time.Millisecond)):
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Topology describes how grid members discover each other: either a static
// peer list or multicast. Only the static list is implemented in this
// single-node-by-default repository; multicast is named so a real cluster
// transport can implement the same interface later (see DESIGN.md Open
// Questions).
type Topology interface {
	Peers() []string
	ClusterName() string
}

// StaticTopology discovers peers from an explicit configured list.
type StaticTopology struct {
	mu      sync.RWMutex
	cluster string
	peers   []string
}

// NewStaticTopology builds a Topology from a fixed peer list.
func NewStaticTopology(cluster string, peers []string) *StaticTopology {
	return &StaticTopology{cluster: cluster, peers: append([]string(nil), peers...)}
}

func (t *StaticTopology) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.peers...)
}

func (t *StaticTopology) ClusterName() string { return t.cluster }

// SetPeers replaces the known peer list, e.g. after a reconfiguration event.
func (t *StaticTopology) SetPeers(peers []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = append([]string(nil), peers...)
}
