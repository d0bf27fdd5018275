package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/ims-core/internal/events"
)

func testPipeline() (*Pipeline, *MemoryBroker) {
	broker := NewMemoryBroker()
	p := New(broker, zerolog.Nop(), 1024)
	return p, broker
}

func TestPipeline_OkCommitsAndDedupes(t *testing.T) {
	p, broker := testPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	p.Register(events.TopicTradeData, func(env events.Envelope) events.Outcome {
		atomic.AddInt32(&calls, 1)
		return events.OkOutcome()
	})

	go func() { _ = p.Run(ctx, events.TopicTradeData, "test-group", 4) }()
	time.Sleep(20 * time.Millisecond)

	env := events.Envelope{EventID: "evt-1", EventType: "trade"}
	_, err := broker.Publish(ctx, events.TopicTradeData, "book1|SEC1", env)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)

	// Redeliver the same event id on the same partition; the handler must
	// not be invoked again.
	_, err = broker.Publish(ctx, events.TopicTradeData, "book1|SEC1", env)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPipeline_DeadOutcomeRoutesToDeadLetter(t *testing.T) {
	p, broker := testPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Register(events.TopicTradeData, func(env events.Envelope) events.Outcome {
		return events.DeadOutcome("unprocessable reference data")
	})

	dlConsumer, err := broker.Subscribe(ctx, events.TopicDeadLetter, "dlq", 1)
	require.NoError(t, err)

	go func() { _ = p.Run(ctx, events.TopicTradeData, "test-group", 1) }()
	time.Sleep(20 * time.Millisecond)

	_, err = broker.Publish(ctx, events.TopicTradeData, "book1|SEC1", events.Envelope{EventID: "evt-dead"})
	require.NoError(t, err)

	select {
	case msg := <-dlConsumer.Messages():
		assert.Equal(t, events.TopicDeadLetter, msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected a dead-letter message")
	}
}

func TestPipeline_RetryExhaustionDeadLetters(t *testing.T) {
	p, broker := testPipeline()
	p = p.WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond, MaxAttempts: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	p.Register(events.TopicTradeData, func(env events.Envelope) events.Outcome {
		atomic.AddInt32(&calls, 1)
		return events.RetryOutcome(time.Millisecond)
	})

	dlConsumer, err := broker.Subscribe(ctx, events.TopicDeadLetter, "dlq", 1)
	require.NoError(t, err)

	go func() { _ = p.Run(ctx, events.TopicTradeData, "test-group", 1) }()
	time.Sleep(20 * time.Millisecond)

	_, err = broker.Publish(ctx, events.TopicTradeData, "book1|SEC1", events.Envelope{EventID: "evt-retry"})
	require.NoError(t, err)

	select {
	case msg := <-dlConsumer.Messages():
		assert.Equal(t, events.TopicDeadLetter, msg.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("expected retry exhaustion to dead-letter")
	}
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&calls)), 2)
}

func TestDedupe_MarkSeenEvictsOldest(t *testing.T) {
	d := NewDedupe(2)
	assert.True(t, d.MarkSeen("a"))
	assert.True(t, d.MarkSeen("b"))
	assert.False(t, d.MarkSeen("a"))
	assert.True(t, d.MarkSeen("c"))
	assert.False(t, d.Seen("b"))
	assert.True(t, d.Seen("c"))
}

func TestRetryPolicy_CapsDelay(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Factor: 2, Cap: 5 * time.Second, MaxAttempts: 10}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.NextDelay(attempt)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.False(t, p.Exhausted(9))
	assert.True(t, p.Exhausted(10))
}
