// Package events defines the wire-independent envelope and topic taxonomy
// the Event Pipeline (internal/pipeline) moves between external adapters and
// the calculation engines, per spec.md §4.1 and §6.
package events

import "time"

// Topic names the inbound/outbound event streams spec.md §6 enumerates.
type Topic string

const (
	// Inbound
	TopicReferenceData     Topic = "reference-data"
	TopicMarketData        Topic = "market-data"
	TopicTradeData         Topic = "trade-data"
	TopicContractData      Topic = "contract-data"
	TopicPositionSnapshot  Topic = "position-snapshot"

	// Outbound
	TopicPositionEvents   Topic = "position-events"
	TopicInventoryEvents  Topic = "inventory-events"
	TopicLimitEvents      Topic = "limit-events"
	TopicCalcErrorEvents  Topic = "calculation-error-events"
	TopicDeadLetter       Topic = "dead-letter"
	TopicReferenceMissing Topic = "reference-missing"
)

// Envelope is the typed wrapper every event carries through the pipeline,
// per spec.md §4.1 "Envelope".
type Envelope struct {
	EventID       string
	EventType     string
	Source        string
	EmitTime      time.Time
	BusinessDate  string
	CorrelationID string
	RoutingKey    string
	Deadline      time.Time // zero means no explicit deadline
	Payload       any
}

// HasDeadline reports whether the envelope carries an explicit deadline.
func (e Envelope) HasDeadline() bool { return !e.Deadline.IsZero() }

// PositionRoutingKey builds the routing key for position/trade-scoped
// events: book_id|security_id.
func PositionRoutingKey(bookID, securityID string) string {
	return bookID + "|" + securityID
}

// ReferenceRoutingKey builds the routing key for market/reference-data
// events: security_id.
func ReferenceRoutingKey(securityID string) string {
	return securityID
}

// LimitRoutingKey builds the routing key for limit-update events:
// owner_id|security_id.
func LimitRoutingKey(ownerID, securityID string) string {
	return ownerID + "|" + securityID
}
