package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/pkg/database"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// OutboxRepository implements repository.OutboxRepository using PostgreSQL.
type OutboxRepository struct {
	pool database.DBTX
}

// NewOutboxRepository creates a new PostgreSQL-backed outbox repository.
func NewOutboxRepository(pool database.DBTX) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status,
	retry_count, max_retries, last_error, processed_at, next_retry_at,
	idempotency_key, created_at, updated_at`

const outboxInsert = `
	INSERT INTO outbox_events (
		id, aggregate_type, aggregate_id, event_type, payload, status,
		retry_count, max_retries, last_error, processed_at, next_retry_at,
		idempotency_key, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (idempotency_key) DO NOTHING`

// Create inserts a PENDING event in its own transaction.
func (r *OutboxRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	return r.create(ctx, r.pool, event)
}

// CreateInTx inserts a PENDING event using the caller's open transaction.
// This is the transactional half of the outbox pattern: the event commits
// with the business write that produced it, or not at all.
func (r *OutboxRepository) CreateInTx(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	return r.create(ctx, tx, event)
}

func (r *OutboxRepository) create(ctx context.Context, db execer, event *domain.OutboxEvent) error {
	ctx, end := database.TraceQuery(ctx, "Outbox.Create", outboxInsert)
	_, err := db.Exec(ctx, outboxInsert,
		event.ID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		event.Status,
		event.RetryCount,
		event.MaxRetries,
		nullableString(event.LastError),
		event.ProcessedAt,
		event.NextRetryAt,
		nullableString(event.IdempotencyKey),
		event.CreatedAt,
		event.UpdatedAt,
	)
	end(err)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	return nil
}

// ClaimDue atomically claims up to limit deliverable events for this worker.
// The SKIP LOCKED subquery lets multiple relay workers poll concurrently
// without ever double-claiming a row.
func (r *OutboxRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	query := `
		UPDATE outbox_events
		SET status = 'PROCESSING', updated_at = $1
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'PENDING'
			   OR (status = 'FAILED' AND next_retry_at <= $1 AND retry_count < max_retries)
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	ctx, end := database.TraceQuery(ctx, "Outbox.ClaimDue", query)
	rows, err := r.pool.Query(ctx, query, now, limit)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox events: %w", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		event, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	return events, nil
}

// MarkCompleted records successful delivery. Completed rows are immutable,
// so only a PROCESSING row can transition.
func (r *OutboxRepository) MarkCompleted(ctx context.Context, id string, processedAt time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'COMPLETED', processed_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'PROCESSING'`

	ctx, end := database.TraceQuery(ctx, "Outbox.MarkCompleted", query)
	ct, err := r.pool.Exec(ctx, query, processedAt, id)
	end(err)
	if err != nil {
		return fmt.Errorf("mark outbox event completed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("outbox_event", id)
	}

	return nil
}

// MarkFailed records a delivery failure, increments the retry count, and
// schedules the next attempt.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, lastError string, nextRetryAt time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = retry_count + 1,
			last_error = $1, next_retry_at = $2, updated_at = $3
		WHERE id = $4 AND status = 'PROCESSING'`

	ctx, end := database.TraceQuery(ctx, "Outbox.MarkFailed", query)
	ct, err := r.pool.Exec(ctx, query, lastError, nextRetryAt, time.Now().UTC(), id)
	end(err)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("outbox_event", id)
	}

	return nil
}

// GetByID retrieves an event by ID.
func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "Outbox.GetByID", query)
	rows, err := r.pool.Query(ctx, query, id)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("query outbox event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query outbox event: %w", err)
		}
		return nil, apperrors.NotFound("outbox_event", id)
	}

	return scanOutboxRow(rows)
}

// DeleteCompletedBefore removes COMPLETED events older than the cutoff.
func (r *OutboxRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox_events WHERE status = 'COMPLETED' AND processed_at < $1`

	ctx, end := database.TraceQuery(ctx, "Outbox.DeleteCompletedBefore", query)
	ct, err := r.pool.Exec(ctx, query, cutoff)
	end(err)
	if err != nil {
		return 0, fmt.Errorf("delete completed outbox events: %w", err)
	}

	return ct.RowsAffected(), nil
}

func scanOutboxRow(row pgx.Rows) (*domain.OutboxEvent, error) {
	var (
		event          domain.OutboxEvent
		lastError      *string
		idempotencyKey *string
	)

	if err := row.Scan(
		&event.ID,
		&event.AggregateType,
		&event.AggregateID,
		&event.EventType,
		&event.Payload,
		&event.Status,
		&event.RetryCount,
		&event.MaxRetries,
		&lastError,
		&event.ProcessedAt,
		&event.NextRetryAt,
		&idempotencyKey,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan outbox event row: %w", err)
	}

	if lastError != nil {
		event.LastError = *lastError
	}
	if idempotencyKey != nil {
		event.IdempotencyKey = *idempotencyKey
	}

	return &event, nil
}
