package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/pkg/database"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// SagaStateRepository implements repository.SagaStateRepository using PostgreSQL.
type SagaStateRepository struct {
	pool database.DBTX
}

// NewSagaStateRepository creates a new PostgreSQL-backed saga state repository.
func NewSagaStateRepository(pool database.DBTX) *SagaStateRepository {
	return &SagaStateRepository{pool: pool}
}

const sagaColumns = `saga_id, correlation_id, name, status, current_step, total_steps,
	context, completed_steps, error, started_at, completed_at, timeout_at, updated_at`

// Create inserts a new saga row.
func (r *SagaStateRepository) Create(ctx context.Context, state *domain.SagaState) error {
	contextJSON, completedJSON, err := marshalSagaFields(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO saga_states (
			saga_id, correlation_id, name, status, current_step, total_steps,
			context, completed_steps, error, started_at, completed_at, timeout_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	ctx, end := database.TraceQuery(ctx, "SagaState.Create", query)
	_, err = r.pool.Exec(ctx, query,
		state.SagaID,
		state.CorrelationID,
		state.Name,
		state.Status,
		state.CurrentStep,
		state.TotalSteps,
		contextJSON,
		completedJSON,
		nullableString(state.Error),
		state.StartedAt,
		state.CompletedAt,
		state.TimeoutAt,
		state.UpdatedAt,
	)
	end(err)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("saga", "correlation_id", state.CorrelationID)
		}
		return fmt.Errorf("insert saga state: %w", err)
	}

	return nil
}

// Update persists the saga's mutable fields. Rows already in a terminal
// status are left untouched and the update reports not found.
func (r *SagaStateRepository) Update(ctx context.Context, state *domain.SagaState) error {
	return r.update(ctx, r.pool, state)
}

// UpdateInTx is Update using the caller's open transaction.
func (r *SagaStateRepository) UpdateInTx(ctx context.Context, tx pgx.Tx, state *domain.SagaState) error {
	return r.update(ctx, tx, state)
}

// execer is satisfied by both database.DBTX and pgx.Tx, so the same update
// path serves standalone and in-transaction writes.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *SagaStateRepository) update(ctx context.Context, db execer, state *domain.SagaState) error {
	contextJSON, completedJSON, err := marshalSagaFields(state)
	if err != nil {
		return err
	}

	state.UpdatedAt = time.Now().UTC()

	// Terminal rows are immutable: the status guard makes a late write to a
	// finished saga a no-op instead of a corruption.
	query := `
		UPDATE saga_states
		SET status = $1, current_step = $2, context = $3, completed_steps = $4,
			error = $5, completed_at = $6, updated_at = $7
		WHERE saga_id = $8
		  AND status NOT IN ('COMPLETED', 'FAILED', 'COMPENSATED')`

	ctx, end := database.TraceQuery(ctx, "SagaState.Update", query)
	ct, err := db.Exec(ctx, query,
		state.Status,
		state.CurrentStep,
		contextJSON,
		completedJSON,
		nullableString(state.Error),
		state.CompletedAt,
		state.UpdatedAt,
		state.SagaID,
	)
	end(err)
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return ErrSagaImmutable
	}

	return nil
}

func marshalSagaFields(state *domain.SagaState) (contextJSON, completedJSON []byte, err error) {
	contextJSON, err = json.Marshal(state.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal saga context: %w", err)
	}
	completedJSON, err = json.Marshal(state.CompletedSteps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal completed steps: %w", err)
	}
	return contextJSON, completedJSON, nil
}

// GetByID retrieves a saga by its saga ID.
func (r *SagaStateRepository) GetByID(ctx context.Context, sagaID string) (*domain.SagaState, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_states WHERE saga_id = $1`
	return r.scanState(ctx, query, sagaID)
}

// GetByCorrelationID retrieves a saga by the caller-supplied correlation ID.
func (r *SagaStateRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.SagaState, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_states WHERE correlation_id = $1`
	return r.scanState(ctx, query, correlationID)
}

// ListInFlight returns sagas that were in progress or compensating when the
// process stopped, oldest first so recovery drains in arrival order.
func (r *SagaStateRepository) ListInFlight(ctx context.Context) ([]domain.SagaState, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM saga_states
		WHERE status IN ('IN_PROGRESS', 'COMPENSATING')
		ORDER BY started_at ASC`

	ctx, end := database.TraceQuery(ctx, "SagaState.ListInFlight", query)
	rows, err := r.pool.Query(ctx, query)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("list in-flight sagas: %w", err)
	}
	defer rows.Close()

	var states []domain.SagaState
	for rows.Next() {
		state, err := scanSagaRow(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga rows: %w", err)
	}

	return states, nil
}

func (r *SagaStateRepository) scanState(ctx context.Context, query string, arg any) (*domain.SagaState, error) {
	ctx, end := database.TraceQuery(ctx, "SagaState.Get", query)
	rows, err := r.pool.Query(ctx, query, arg)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("query saga state: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query saga state: %w", err)
		}
		return nil, apperrors.NotFound("saga", fmt.Sprint(arg))
	}

	return scanSagaRow(rows)
}

func scanSagaRow(row pgx.Rows) (*domain.SagaState, error) {
	var (
		state         domain.SagaState
		contextJSON   []byte
		completedJSON []byte
		errMsg        *string
	)

	if err := row.Scan(
		&state.SagaID,
		&state.CorrelationID,
		&state.Name,
		&state.Status,
		&state.CurrentStep,
		&state.TotalSteps,
		&contextJSON,
		&completedJSON,
		&errMsg,
		&state.StartedAt,
		&state.CompletedAt,
		&state.TimeoutAt,
		&state.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan saga state row: %w", err)
	}

	state.Context = domain.SagaContext{}
	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &state.Context); err != nil {
			return nil, fmt.Errorf("unmarshal saga context: %w", err)
		}
	}
	if completedJSON != nil {
		if err := json.Unmarshal(completedJSON, &state.CompletedSteps); err != nil {
			return nil, fmt.Errorf("unmarshal completed steps: %w", err)
		}
	}
	if errMsg != nil {
		state.Error = *errMsg
	}

	return &state, nil
}

// ErrSagaImmutable is returned when an update targets a saga already in a
// terminal status.
var ErrSagaImmutable = errors.New("saga is in a terminal status")
