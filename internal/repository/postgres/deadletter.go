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

// DeadLetterRepository implements repository.DeadLetterRepository using PostgreSQL.
type DeadLetterRepository struct {
	pool database.DBTX
}

// NewDeadLetterRepository creates a new PostgreSQL-backed dead-letter repository.
func NewDeadLetterRepository(pool database.DBTX) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

const deadLetterColumns = `id, event_id, aggregate_type, aggregate_id, event_type,
	payload, failure_reason, retry_count, resolution, resolved_by, resolved_at, created_at`

// Create parks an event whose delivery retries are exhausted.
func (r *DeadLetterRepository) Create(ctx context.Context, event *domain.DeadLetterEvent) error {
	query := `
		INSERT INTO dead_letter_events (
			id, event_id, aggregate_type, aggregate_id, event_type,
			payload, failure_reason, retry_count, resolution, resolved_by, resolved_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	ctx, end := database.TraceQuery(ctx, "DeadLetter.Create", query)
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.EventID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		event.FailureReason,
		event.RetryCount,
		event.Resolution,
		nullableString(event.ResolvedBy),
		event.ResolvedAt,
		event.CreatedAt,
	)
	end(err)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("dead_letter_event", "event_id", event.EventID)
		}
		return fmt.Errorf("insert dead letter event: %w", err)
	}

	return nil
}

// GetByID retrieves a dead-letter event by ID.
func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*domain.DeadLetterEvent, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_events WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "DeadLetter.GetByID", query)
	rows, err := r.pool.Query(ctx, query, id)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("query dead letter event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query dead letter event: %w", err)
		}
		return nil, apperrors.NotFound("dead_letter_event", id)
	}

	return scanDeadLetterRow(rows)
}

// List returns dead-letter events filtered by resolution, newest first.
// An empty resolution returns every event.
func (r *DeadLetterRepository) List(ctx context.Context, resolution domain.DLQResolution, limit, offset int) ([]domain.DeadLetterEvent, int, error) {
	countQuery := `SELECT COUNT(*) FROM dead_letter_events WHERE ($1 = '' OR resolution = $1)`

	ctx, end := database.TraceQuery(ctx, "DeadLetter.Count", countQuery)
	var total int
	err := r.pool.QueryRow(ctx, countQuery, string(resolution)).Scan(&total)
	end(err)
	if err != nil {
		return nil, 0, fmt.Errorf("count dead letter events: %w", err)
	}

	query := `SELECT ` + deadLetterColumns + `
		FROM dead_letter_events
		WHERE ($1 = '' OR resolution = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	ctx, end = database.TraceQuery(ctx, "DeadLetter.List", query)
	rows, err := r.pool.Query(ctx, query, string(resolution), limit, offset)
	end(err)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letter events: %w", err)
	}
	defer rows.Close()

	var events []domain.DeadLetterEvent
	for rows.Next() {
		event, err := scanDeadLetterRow(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dead letter rows: %w", err)
	}

	return events, total, nil
}

// Resolve records an operator decision on a parked event. Only PENDING
// events can be resolved.
func (r *DeadLetterRepository) Resolve(ctx context.Context, id string, resolution domain.DLQResolution, resolvedBy string) error {
	query := `
		UPDATE dead_letter_events
		SET resolution = $1, resolved_by = $2, resolved_at = $3
		WHERE id = $4 AND resolution = 'PENDING'`

	ctx, end := database.TraceQuery(ctx, "DeadLetter.Resolve", query)
	ct, err := r.pool.Exec(ctx, query, resolution, resolvedBy, time.Now().UTC(), id)
	end(err)
	if err != nil {
		return fmt.Errorf("resolve dead letter event: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("dead_letter_event", id)
	}

	return nil
}

func scanDeadLetterRow(row pgx.Rows) (*domain.DeadLetterEvent, error) {
	var (
		event      domain.DeadLetterEvent
		resolvedBy *string
	)

	if err := row.Scan(
		&event.ID,
		&event.EventID,
		&event.AggregateType,
		&event.AggregateID,
		&event.EventType,
		&event.Payload,
		&event.FailureReason,
		&event.RetryCount,
		&event.Resolution,
		&resolvedBy,
		&event.ResolvedAt,
		&event.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan dead letter event row: %w", err)
	}

	if resolvedBy != nil {
		event.ResolvedBy = *resolvedBy
	}

	return &event, nil
}
