package cache

import "sync"

// Invalidation is published to subscribers whenever a key in a named map
// changes or is evicted, so peer nodes/read-through callers can drop their
// local view.
type Invalidation struct {
	MapName string
	Key     string
	Evicted bool
}

// Invalidator is a lightweight pub/sub broker for cross-node cache
// invalidation, modeled on the teacher's internal/events.Bus (channel-based
// fan-out, non-blocking publish that drops to slow subscribers rather than
// stalling the writer).
type Invalidator struct {
	mu   sync.RWMutex
	subs map[string][]chan Invalidation
}

// NewInvalidator creates an empty invalidation broker.
func NewInvalidator() *Invalidator {
	return &Invalidator{subs: make(map[string][]chan Invalidation)}
}

// Subscribe registers a listener for a key pattern (currently matched as an
// exact map name; "*" subscribes to every map) and returns the channel plus
// an unsubscribe function.
func (inv *Invalidator) Subscribe(pattern string, buffer int) (<-chan Invalidation, func()) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	ch := make(chan Invalidation, buffer)
	inv.subs[pattern] = append(inv.subs[pattern], ch)

	unsub := func() {
		inv.mu.Lock()
		defer inv.mu.Unlock()
		subs := inv.subs[pattern]
		for i, c := range subs {
			if c == ch {
				close(c)
				inv.subs[pattern] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Publish fans an invalidation out to subscribers of its map name and to
// wildcard subscribers, without blocking on a slow consumer.
func (inv *Invalidator) Publish(event Invalidation) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for _, ch := range inv.subs[event.MapName] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range inv.subs["*"] {
		select {
		case ch <- event:
		default:
		}
	}
}
