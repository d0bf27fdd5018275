package events

import "time"

// OutcomeKind is the discriminated handler result spec.md §4.1 defines:
// handle(event) -> {Ok | Retry(after) | Dead(reason)}.
type OutcomeKind int

const (
	Ok OutcomeKind = iota
	Retry
	Dead
)

// Outcome is what a pipeline handler returns. RetryAfter is meaningful only
// when Kind == Retry; Reason is meaningful only when Kind == Dead.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration
	Reason     string
}

// OkOutcome reports successful, already-persisted handling.
func OkOutcome() Outcome { return Outcome{Kind: Ok} }

// RetryOutcome asks the pipeline to re-enqueue after the given delay.
func RetryOutcome(after time.Duration) Outcome {
	return Outcome{Kind: Retry, RetryAfter: after}
}

// DeadOutcome routes the envelope to the dead-letter topic immediately,
// with no further retries.
func DeadOutcome(reason string) Outcome {
	return Outcome{Kind: Dead, Reason: reason}
}

// Handler processes one envelope and reports what the pipeline should do
// next.
type Handler func(Envelope) Outcome
