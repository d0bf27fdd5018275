package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/galatea-associates/ims-core/internal/events"
)

// MemoryBroker is an in-process Broker used by tests, local runs, and the
// in-memory dry-run path. It preserves the same partition-FIFO ordering
// contract the production kafka-go adapter provides: messages with the
// same routing key always land on the same partition and are delivered in
// publish order within that partition.
type MemoryBroker struct {
	mu         sync.Mutex
	partitions map[events.Topic]int
	queues     map[events.Topic][]chan Message
	offsets    map[events.Topic][]int64
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		partitions: make(map[events.Topic]int),
		queues:     make(map[events.Topic][]chan Message),
		offsets:    make(map[events.Topic][]int64),
	}
}

func (b *MemoryBroker) ensureTopic(topic events.Topic, partitions int) []chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.queues[topic]; ok {
		return existing
	}
	if partitions <= 0 {
		partitions = 1
	}
	chs := make([]chan Message, partitions)
	for i := range chs {
		chs[i] = make(chan Message, 10_000)
	}
	b.partitions[topic] = partitions
	b.queues[topic] = chs
	b.offsets[topic] = make([]int64, partitions)
	return chs
}

func partitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Publish routes the envelope to hash(key) mod P and blocks if that
// partition's bounded channel is full — the pipeline's back-pressure
// contract never drops a message.
func (b *MemoryBroker) Publish(ctx context.Context, topic events.Topic, key string, env events.Envelope) (Ack, error) {
	chs := b.ensureTopic(topic, defaultPartitions)
	p := partitionFor(key, len(chs))

	b.mu.Lock()
	offset := b.offsets[topic][p]
	b.offsets[topic][p]++
	b.mu.Unlock()

	msg := Message{Topic: topic, Key: key, Partition: p, Offset: offset, Envelope: env}
	select {
	case chs[p] <- msg:
		return Ack{Partition: p, Offset: offset}, nil
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

const defaultPartitions = 16

// memoryConsumer fans every partition's channel into a single ordered-per-
// partition output stream. Commit is a no-op: the in-memory broker has no
// durable offset store, matching its role as a test/dry-run double.
type memoryConsumer struct {
	out    chan Message
	cancel context.CancelFunc
	closed int32
}

func (c *memoryConsumer) Messages() <-chan Message { return c.out }

func (c *memoryConsumer) Commit(ctx context.Context, msg Message) error { return nil }

func (c *memoryConsumer) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
	}
	return nil
}

// Subscribe returns a Consumer that merges all partitions of topic into one
// channel; per-key order is preserved because each source partition
// delivers in publish order and merging does not reorder within a
// partition, only interleaves across them (which spec.md explicitly allows:
// "across partitions there is no ordering").
func (b *MemoryBroker) Subscribe(ctx context.Context, topic events.Topic, groupID string, partitions int) (Consumer, error) {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	chs := b.ensureTopic(topic, partitions)

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Message, 10_000)
	for _, ch := range chs {
		go func(src chan Message) {
			for {
				select {
				case <-subCtx.Done():
					return
				case m, ok := <-src:
					if !ok {
						return
					}
					select {
					case out <- m:
					case <-subCtx.Done():
						return
					}
				}
			}
		}(ch)
	}
	return &memoryConsumer{out: out, cancel: cancel}, nil
}
