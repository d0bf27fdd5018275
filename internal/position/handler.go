package position

import (
	"context"
	"math/rand"
	"time"

	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
)

// TradeHandler adapts Engine.OnTrade to the pipeline's events.Handler shape:
// validation errors dead-letter immediately, transient, lease and conflict
// errors retry, and any other domain error kind is reported Ok. No ERROR
// status is persisted on the way: a failed commit leaves the cached position
// as it was (see Engine.commit).
func (e *Engine) TradeHandler() events.Handler {
	return func(env events.Envelope) events.Outcome {
		trade, ok := env.Payload.(TradeEvent)
		if !ok {
			return events.DeadOutcome("trade-data payload is not a position.TradeEvent")
		}
		trade.CorrelationID = env.CorrelationID

		ctx := context.Background()
		if env.HasDeadline() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, env.Deadline)
			defer cancel()
		}

		_, err := e.OnTrade(ctx, trade)
		return classifyOutcome(err)
	}
}

// SnapshotHandler adapts Engine.OnPositionSnapshot the same way.
func (e *Engine) SnapshotHandler() events.Handler {
	return func(env events.Envelope) events.Outcome {
		snap, ok := env.Payload.(SnapshotEvent)
		if !ok {
			return events.DeadOutcome("position-snapshot payload is not a position.SnapshotEvent")
		}
		snap.CorrelationID = env.CorrelationID

		ctx := context.Background()
		if env.HasDeadline() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, env.Deadline)
			defer cancel()
		}

		_, err := e.OnPositionSnapshot(ctx, snap)
		return classifyOutcome(err)
	}
}

func classifyOutcome(err error) events.Outcome {
	if err == nil {
		return events.OkOutcome()
	}
	de, ok := domain.AsError(err)
	if !ok {
		return events.RetryOutcome(0)
	}
	switch de.Kind {
	case domain.KindValidation, domain.KindNotFound:
		return events.DeadOutcome(de.Message)
	case domain.KindTimeout, domain.KindLeaseUnavailable, domain.KindDownstreamUnavailable:
		return events.RetryOutcome(0)
	case domain.KindConflict:
		// §7 "Conflict": retry with 1-10ms jitter rather than the
		// pipeline's default backoff; repeated failure still dead-letters
		// once the pipeline's own attempt budget is exhausted.
		return events.RetryOutcome(time.Duration(1+rand.Intn(10)) * time.Millisecond)
	default:
		// Any other domain error kind is neither retried nor
		// dead-lettered.
		return events.OkOutcome()
	}
}
