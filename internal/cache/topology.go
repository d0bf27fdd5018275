package cache

// Topology resolves the set of Replica peers a Grid should replicate to.
// It is the discovery layer that sits in front of Grid's own
// replicate-before-ack logic: NewGrid takes the resolved []Replica
// directly, while a Topology is how a deployment turns its configured
// peer list (or, eventually, a multicast discovery protocol) into that
// slice.
type Topology interface {
	Peers() []Replica
}

// StaticTopology is a fixed, operator-configured peer list — the only
// Topology implementation this core ships, matching
// pkg/config.CacheConfig.Peers. It never changes membership at runtime;
// a peer that stops responding is surfaced through its Replica calls
// failing, not through topology change events.
type StaticTopology struct {
	peers []Replica
}

// NewStaticTopology wraps a fixed replica list.
func NewStaticTopology(peers ...Replica) *StaticTopology {
	return &StaticTopology{peers: peers}
}

// Peers returns the configured replica list.
func (t *StaticTopology) Peers() []Replica { return t.peers }

// MulticastTopology would discover peers via a multicast membership
// protocol (mirroring pkg/config.CacheConfig.MulticastEnabled) instead of
// a static list. Not implemented: this core has no multi-node deployment
// to test discovery against, so shipping a stub here would be untested
// network code. A real implementation would satisfy Topology the same way
// StaticTopology does and plug into the same Grid constructor unchanged.
