package pipeline

import (
	"container/list"
	"sync"
)

// Dedupe is a bounded last-seen-id cache that gives the pipeline its
// idempotence guarantee against at-least-once redelivery: a handler is
// skipped (treated as already-Ok) if its event id was already committed
// within the window. One Dedupe is scoped to a single partition, mirroring
// the teacher's internal/order.PersistentQueue dedupe-on-replay check,
// generalized from order-id to event-id and bounded by an LRU instead of an
// unbounded map.
type Dedupe struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewDedupe creates a Dedupe holding up to capacity event ids.
func NewDedupe(capacity int) *Dedupe {
	if capacity <= 0 {
		capacity = 1
	}
	return &Dedupe{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen reports whether eventID was already recorded, without recording it.
func (d *Dedupe) Seen(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[eventID]
	return ok
}

// MarkSeen records eventID as processed, evicting the least recently marked
// entry once the cache is at capacity. Returns true if the id was newly
// recorded, false if it was already present (a duplicate delivery, which
// makes the id the most recently marked again).
func (d *Dedupe) MarkSeen(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[eventID]; ok {
		d.order.MoveToFront(el)
		return false
	}

	el := d.order.PushFront(eventID)
	d.index[eventID] = el

	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.index, oldest.Value.(string))
		}
	}
	return true
}
