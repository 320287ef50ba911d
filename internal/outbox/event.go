package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/identity/internal/domain"
)

// NewEvent builds a PENDING outbox event ready for insertion. idempotencyKey
// is optional; when set it dedupes event creation across retried requests.
func NewEvent(aggregateType, aggregateID, eventType string, payload any, idempotencyKey string, maxRetries int) (*domain.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}

	now := time.Now().UTC()
	return &domain.OutboxEvent{
		ID:             uuid.NewString(),
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		EventType:      eventType,
		Payload:        data,
		Status:         domain.OutboxPending,
		MaxRetries:     maxRetries,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
