package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// OutboxEvent is a domain event recorded in the same database as the business
// write that produced it, then shipped asynchronously by the relay.
// Once COMPLETED the row is immutable until the retention sweep deletes it.
type OutboxEvent struct {
	ID             string          `json:"id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	LastError      string          `json:"last_error,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RetriesExhausted reports whether the event has used up its retry budget.
func (e *OutboxEvent) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// DLQResolution is the operator resolution state of a dead-lettered event.
type DLQResolution string

const (
	DLQPending  DLQResolution = "PENDING"
	DLQRetried  DLQResolution = "RETRIED"
	DLQResolved DLQResolution = "RESOLVED"
	DLQIgnored  DLQResolution = "IGNORED"
)

// DeadLetterEvent is a terminal copy of an outbox event that exhausted its
// retries. It retains the full payload and failure history for operator
// inspection and is mutated only by operator actions.
type DeadLetterEvent struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	FailureReason string          `json:"failure_reason"`
	RetryCount    int             `json:"retry_count"`
	Resolution    DLQResolution   `json:"resolution"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
