package audit

import (
	"time"

	"github.com/google/uuid"
)

// AttemptRecord documents one handler invocation for an event, across
// deliveries. The retry engine appends these; the dead-letter record keeps
// the full trail for post-mortems.
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// DeliveryEnvelope wraps an event while it travels through the queue. It is
// created on enqueue, mutated only by the processor, and destroyed on ack or
// on the move to the dead-letter store.
type DeliveryEnvelope struct {
	Event          *Event          `json:"event"`
	AttemptCount   int             `json:"attempt_count"`
	FirstFailureAt *time.Time      `json:"first_failure_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`

	// JobID is the broker-assigned delivery id, filled by the queue adapter
	// on dequeue. It never round-trips through serialization.
	JobID string `json:"-"`
}

// NewDeliveryEnvelope wraps an event for enqueueing.
func NewDeliveryEnvelope(event *Event) *DeliveryEnvelope {
	return &DeliveryEnvelope{Event: event}
}

// RecordDelivery counts one delivery attempt and merges the per-try records
// the retry engine produced during it.
func (e *DeliveryEnvelope) RecordDelivery(attempts []AttemptRecord, lastErr error, now time.Time) {
	e.AttemptCount++
	e.Attempts = append(e.Attempts, attempts...)
	if lastErr == nil {
		return
	}
	e.LastError = lastErr.Error()
	if e.FirstFailureAt == nil {
		t := now
		e.FirstFailureAt = &t
	}
}

// TotalAttempts is the number of handler invocations across all deliveries.
func (e *DeliveryEnvelope) TotalAttempts() int {
	return len(e.Attempts)
}

// DeadLetterRecord is the terminal resting place of an event that could not
// be processed. Retention is enforced by the dead-letter handler.
type DeadLetterRecord struct {
	ID             uuid.UUID       `json:"id"`
	OriginalEvent  *Event          `json:"original_event"`
	FailureReason  string          `json:"failure_reason"`
	FailureCount   int             `json:"failure_count"`
	FirstFailureAt time.Time       `json:"first_failure_at"`
	LastFailureAt  time.Time       `json:"last_failure_at"`
	OriginalQueue  string          `json:"original_queue"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
}

// ToDeadLetter converts an exhausted envelope into its dead-letter record.
func (e *DeliveryEnvelope) ToDeadLetter(queueName, reason string, now time.Time) *DeadLetterRecord {
	first := now
	if e.FirstFailureAt != nil {
		first = *e.FirstFailureAt
	}
	failures := len(e.Attempts)
	if failures == 0 {
		failures = e.AttemptCount
	}
	return &DeadLetterRecord{
		ID:             uuid.New(),
		OriginalEvent:  e.Event,
		FailureReason:  reason,
		FailureCount:   failures,
		FirstFailureAt: first,
		LastFailureAt:  now,
		OriginalQueue:  queueName,
		Attempts:       e.Attempts,
	}
}
