// Package pipeline implements the Event Pipeline of spec.md §4.1: at-least-
// once delivery, per-key FIFO ordering via partition assignment, back-
// pressure that never drops, and typed envelopes with correlation ids.
//
// The worker-pool/back-pressure shape is grounded on the teacher's
// internal/order.AsyncExecutor (bounded worker semaphore, retry backoff) and
// internal/order.PersistentQueue (write-ahead durability before processing);
// the pluggable transport shape (a narrow Broker interface with a real
// network-backed implementation and an in-memory counterpart for tests) is
// grounded on the teacher's exchange.Gateway / internal/order.Executor
// pairing.
package pipeline

import (
	"context"

	"github.com/galatea-associates/ims-core/internal/events"
)

// Message is one broker-delivered record, already carrying its topic
// partition assignment.
type Message struct {
	Topic     events.Topic
	Key       string
	Partition int
	Offset    int64
	Envelope  events.Envelope
}

// Consumer yields partition-ordered messages for one subscription and lets
// the pipeline commit offsets only after a handler has returned Ok.
type Consumer interface {
	Messages() <-chan Message
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Ack confirms a publish was durably accepted — the equivalent of
// acks=all, idempotent-producer-with-in-flight=1-per-key spec.md §4.1
// requires.
type Ack struct {
	Partition int
	Offset    int64
}

// Broker is the narrow transport abstraction the pipeline drives. The
// production implementation (kafka_broker.go) wraps segmentio/kafka-go; the
// in-memory implementation (memory_broker.go) backs tests and local/dry
// runs with identical ordering and back-pressure semantics.
type Broker interface {
	Publish(ctx context.Context, topic events.Topic, key string, env events.Envelope) (Ack, error)
	Subscribe(ctx context.Context, topic events.Topic, groupID string, partitions int) (Consumer, error)
}
