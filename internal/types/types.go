// Package types contains the core domain types shared across all EventRelay
// internal packages. It deliberately has zero imports of other EventRelay
// packages so that storage backends, the worker and the scheduler can all
// import it without creating import cycles.
package types

import "encoding/json"

// Envelope is the unit of data a producer wants delivered: an event type tied
// to a recipient email, plus optional profile fields and event details.
type Envelope struct {
	Type    string            `json:"type"`
	Email   string            `json:"email"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

// Item is an Envelope plus retry bookkeeping, as stored in a work queue.
//
// Design rules:
//   - All timestamps are unix seconds. Zero means "not set".
//   - IDs are ULID strings assigned on Create, so ready order is FIFO.
//   - Receipt is the claim handle of the current lease. It is never persisted
//     as part of the item body.
type Item struct {
	ID           string   `json:"id"`
	EventData    Envelope `json:"event_data"`
	AttemptCount int      `json:"attempt_count"`
	Created      int64    `json:"created"`
	LastAttempt  int64    `json:"last_attempt,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`

	// Dead-letter fields. Set only on items stored in the archive.
	MovedToDLQ int64  `json:"moved_to_dlq,omitempty"`
	FinalError string `json:"final_error,omitempty"`

	Receipt string `json:"-"`
}

// Clone returns a shallow copy of the item without its receipt.
func (it *Item) Clone() *Item {
	c := *it
	c.Receipt = ""
	return &c
}

// Fresh returns a new unclaimed item carrying the same envelope and retry
// history but no identity, ready for Create.
func (it *Item) Fresh() *Item {
	c := it.Clone()
	c.ID = ""
	return c
}

// RetryRecord is a deferred re-enqueue instruction held by the retry
// scheduler until ScheduledTime.
type RetryRecord struct {
	Key           string `json:"key"`
	Item          Item   `json:"item"`
	ScheduledTime int64  `json:"scheduled_time"`
	Created       int64  `json:"created"`
}

// Due reports whether the record should be promoted at now.
func (r *RetryRecord) Due(now int64) bool { return r.ScheduledTime <= now }

// Outcome is the terminal result of handling one claimed item.
type Outcome uint8

const (
	OutcomeDelivered Outcome = iota
	OutcomeRescheduled
	OutcomeDeadLettered
	OutcomeDiscarded
	// OutcomeLeased means the claim was left to expire so the queue redelivers it.
	OutcomeLeased
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRescheduled:
		return "rescheduled"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeLeased:
		return "leased"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the outcome by name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}
