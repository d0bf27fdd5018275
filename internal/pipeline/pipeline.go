// Package pipeline implements the Event Pipeline described in pipeline's
// broker.go doc comment: partitioned at-least-once delivery, per-key FIFO,
// bounded back-pressure, idempotent redelivery handling, and capped
// exponential-backoff retry with dead-letter fallout.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/ims-core/internal/events"
)

// Pipeline wires a Broker, a handler registry, a per-partition dedupe
// cache, and a retry policy into the worker shape the teacher's
// internal/order.AsyncExecutor uses, bounded by the broker's own
// back-pressured channels rather than a separate semaphore. Run handles the
// merged message stream of all of a topic's partitions on one goroutine, so
// messages from different partitions are processed one at a time, not in
// parallel.
type Pipeline struct {
	broker  Broker
	retry   RetryPolicy
	log     zerolog.Logger
	dedupeN int

	mu       sync.Mutex
	handlers map[events.Topic]events.Handler
	attempts map[string]int
	dedupe   map[events.Topic]map[int]*Dedupe
}

// New creates a Pipeline over broker, logging under the given component
// logger and deduping up to dedupeCapacity event ids per partition.
func New(broker Broker, log zerolog.Logger, dedupeCapacity int) *Pipeline {
	return &Pipeline{
		broker:   broker,
		retry:    DefaultRetryPolicy(),
		log:      log,
		dedupeN:  dedupeCapacity,
		handlers: make(map[events.Topic]events.Handler),
		attempts: make(map[string]int),
		dedupe:   make(map[events.Topic]map[int]*Dedupe),
	}
}

// WithRetryPolicy overrides the default backoff policy.
func (p *Pipeline) WithRetryPolicy(rp RetryPolicy) *Pipeline {
	p.retry = rp
	return p
}

// Register binds a handler to a topic. Only one handler per topic is
// supported; registering twice replaces the previous handler.
func (p *Pipeline) Register(topic events.Topic, handler events.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
}

// Publish routes an envelope onto topic through the underlying broker,
// satisfying the pipeline's publish side for producers (adapters, engines
// emitting derived events).
func (p *Pipeline) Publish(ctx context.Context, topic events.Topic, key string, env events.Envelope) (Ack, error) {
	return p.broker.Publish(ctx, topic, key, env)
}

func (p *Pipeline) dedupeFor(topic events.Topic, partition int) *Dedupe {
	p.mu.Lock()
	defer p.mu.Unlock()
	byPartition, ok := p.dedupe[topic]
	if !ok {
		byPartition = make(map[int]*Dedupe)
		p.dedupe[topic] = byPartition
	}
	d, ok := byPartition[partition]
	if !ok {
		d = NewDedupe(p.dedupeN)
		byPartition[partition] = d
	}
	return d
}

// Run subscribes to topic under groupID with the given partition count and
// processes messages with topic's registered handler until ctx is
// cancelled. It blocks until the subscription's consumer is closed.
func (p *Pipeline) Run(ctx context.Context, topic events.Topic, groupID string, partitions int) error {
	p.mu.Lock()
	handler, ok := p.handlers[topic]
	p.mu.Unlock()
	if !ok {
		return errNoHandler(topic)
	}

	consumer, err := p.broker.Subscribe(ctx, topic, groupID, partitions)
	if err != nil {
		return err
	}
	defer consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-consumer.Messages():
			if !ok {
				return nil
			}
			p.process(ctx, consumer, msg, handler)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, consumer Consumer, msg Message, handler events.Handler) {
	dedupe := p.dedupeFor(msg.Topic, msg.Partition)
	if dedupe.Seen(msg.Envelope.EventID) {
		p.log.Debug().Str("event_id", msg.Envelope.EventID).Msg("duplicate delivery skipped")
		_ = consumer.Commit(ctx, msg)
		return
	}

	outcome := handler(msg.Envelope)
	switch outcome.Kind {
	case events.Ok:
		dedupe.MarkSeen(msg.Envelope.EventID)
		if err := consumer.Commit(ctx, msg); err != nil {
			p.log.Error().Err(err).Str("event_id", msg.Envelope.EventID).Msg("commit failed")
		}
		p.clearAttempts(msg.Envelope.EventID)

	case events.Retry:
		attempt := p.nextAttempt(msg.Envelope.EventID)
		if p.retry.Exhausted(attempt) {
			p.deadLetter(ctx, msg, "retry attempts exhausted")
			dedupe.MarkSeen(msg.Envelope.EventID)
			_ = consumer.Commit(ctx, msg)
			p.clearAttempts(msg.Envelope.EventID)
			return
		}
		delay := outcome.RetryAfter
		if delay <= 0 {
			delay = p.retry.NextDelay(attempt)
		}
		p.log.Warn().Str("event_id", msg.Envelope.EventID).Int("attempt", attempt).Dur("delay", delay).Msg("retrying event")
		go p.scheduleRetry(consumer, msg, delay)

	case events.Dead:
		p.deadLetter(ctx, msg, outcome.Reason)
		dedupe.MarkSeen(msg.Envelope.EventID)
		_ = consumer.Commit(ctx, msg)
		p.clearAttempts(msg.Envelope.EventID)
	}
}

// scheduleRetry waits out the backoff delay, then republishes msg and only
// commits its original offset once the broker has acknowledged the
// republish. If the process crashes during the wait, or the republish
// itself fails, the offset is left uncommitted so msg is redelivered
// rather than silently dropped (§4.1: offsets commit only after success).
func (p *Pipeline) scheduleRetry(consumer Consumer, msg Message, delay time.Duration) {
	time.Sleep(delay)
	if _, err := p.broker.Publish(context.Background(), msg.Topic, msg.Key, msg.Envelope); err != nil {
		p.log.Error().Err(err).Str("event_id", msg.Envelope.EventID).Msg("retry re-publish failed, offset left uncommitted")
		return
	}
	if err := consumer.Commit(context.Background(), msg); err != nil {
		p.log.Error().Err(err).Str("event_id", msg.Envelope.EventID).Msg("commit after retry re-publish failed")
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, msg Message, reason string) {
	env := msg.Envelope
	env.EventType = "dead-letter"
	env.Payload = map[string]any{
		"original_topic": string(msg.Topic),
		"reason":         reason,
		"payload":        msg.Envelope.Payload,
	}
	if _, err := p.broker.Publish(ctx, events.TopicDeadLetter, msg.Key, env); err != nil {
		p.log.Error().Err(err).Str("event_id", msg.Envelope.EventID).Msg("dead-letter publish failed")
	}
}

func (p *Pipeline) nextAttempt(eventID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[eventID]++
	return p.attempts[eventID]
}

func (p *Pipeline) clearAttempts(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, eventID)
}

type noHandlerError string

func (e noHandlerError) Error() string { return "pipeline: no handler registered for topic " + string(e) }

func errNoHandler(topic events.Topic) error { return noHandlerError(topic) }
