package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/identity/internal/domain"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

func newDeadLetterTestFixture(t *testing.T) (*DeadLetterRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	repo := NewDeadLetterRepository(mock)
	return repo, mock
}

func sampleDeadLetter() *domain.DeadLetterEvent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.DeadLetterEvent{
		ID:            "dl-0001",
		EventID:       "ob-0001",
		AggregateType: "account",
		AggregateID:   "acc-0001",
		EventType:     "identity.account.registered",
		Payload:       json.RawMessage(`{"account_id":"acc-0001"}`),
		FailureReason: "broker unavailable",
		RetryCount:    5,
		Resolution:    domain.DLQPending,
		CreatedAt:     now,
	}
}

func deadLetterColumnNames() []string {
	return []string{
		"id", "event_id", "aggregate_type", "aggregate_id", "event_type",
		"payload", "failure_reason", "retry_count", "resolution",
		"resolved_by", "resolved_at", "created_at",
	}
}

func deadLetterRow(dl *domain.DeadLetterEvent) *pgxmock.Rows {
	var resolvedBy *string
	if dl.ResolvedBy != "" {
		resolvedBy = &dl.ResolvedBy
	}

	return pgxmock.NewRows(deadLetterColumnNames()).AddRow(
		dl.ID, dl.EventID, dl.AggregateType, dl.AggregateID, dl.EventType,
		dl.Payload, dl.FailureReason, dl.RetryCount, dl.Resolution,
		resolvedBy, dl.ResolvedAt, dl.CreatedAt,
	)
}

func TestDeadLetterRepository_Create_Success(t *testing.T) {
	repo, mock := newDeadLetterTestFixture(t)
	defer mock.Close()

	dl := sampleDeadLetter()

	mock.ExpectExec("INSERT INTO dead_letter_events").
		WithArgs(
			dl.ID, dl.EventID, dl.AggregateType, dl.AggregateID, dl.EventType,
			dl.Payload, dl.FailureReason, dl.RetryCount, dl.Resolution,
			(*string)(nil), dl.ResolvedAt, dl.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.Create(context.Background(), dl)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_List_FilteredByResolution(t *testing.T) {
	repo, mock := newDeadLetterTestFixture(t)
	defer mock.Close()

	dl := sampleDeadLetter()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("PENDING").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT .+ FROM dead_letter_events").
		WithArgs("PENDING", 20, 0).
		WillReturnRows(deadLetterRow(dl))

	events, total, err := repo.List(context.Background(), domain.DLQPending, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, dl.ID, events[0].ID)
	assert.Equal(t, domain.DLQPending, events[0].Resolution)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_Resolve_Success(t *testing.T) {
	repo, mock := newDeadLetterTestFixture(t)
	defer mock.Close()

	mock.ExpectExec("UPDATE dead_letter_events").
		WithArgs(domain.DLQIgnored, "ops@example.com", pgxmock.AnyArg(), "dl-0001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.Resolve(context.Background(), "dl-0001", domain.DLQIgnored, "ops@example.com")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_Resolve_AlreadyResolved(t *testing.T) {
	repo, mock := newDeadLetterTestFixture(t)
	defer mock.Close()

	// The resolution guard only matches PENDING rows.
	mock.ExpectExec("UPDATE dead_letter_events").
		WithArgs(domain.DLQResolved, "ops@example.com", pgxmock.AnyArg(), "dl-0001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Resolve(context.Background(), "dl-0001", domain.DLQResolved, "ops@example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "expected ErrNotFound, got: %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
