// Package repository defines the persistence interfaces consumed by the saga
// orchestrator, the outbox relay, the idempotency guard, and the composition
// workflows. Implementations live in the postgres and redis subpackages.
package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/identity/internal/domain"
)

// SagaStateRepository persists saga execution state. The orchestrator writes
// through it before and after every step so a crash leaves the saga
// resumable.
type SagaStateRepository interface {
	// Create inserts a new saga row in PENDING state.
	Create(ctx context.Context, state *domain.SagaState) error

	// Update persists the saga's mutable fields. Terminal rows are never
	// updated; implementations enforce this with a conditional write.
	Update(ctx context.Context, state *domain.SagaState) error

	// UpdateInTx is Update using the caller's open transaction, so the
	// terminal saga write and the outbox fact it produces commit atomically.
	UpdateInTx(ctx context.Context, tx pgx.Tx, state *domain.SagaState) error

	// GetByID retrieves a saga by its saga ID.
	GetByID(ctx context.Context, sagaID string) (*domain.SagaState, error)

	// GetByCorrelationID retrieves a saga by the caller-supplied correlation ID.
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.SagaState, error)

	// ListInFlight returns sagas whose status is IN_PROGRESS or COMPENSATING,
	// for the recovery sweep at process start.
	ListInFlight(ctx context.Context) ([]domain.SagaState, error)
}

// OutboxRepository persists outbox events and supports the relay's atomic
// claim protocol.
type OutboxRepository interface {
	// Create inserts a PENDING event in its own transaction.
	Create(ctx context.Context, event *domain.OutboxEvent) error

	// CreateInTx inserts a PENDING event using the caller's open transaction
	// so the event and the business mutation it describes commit atomically.
	CreateInTx(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error

	// ClaimDue atomically transitions up to limit deliverable events
	// (PENDING, or FAILED with elapsed next_retry_at and remaining retries)
	// to PROCESSING and returns them. Concurrent relay workers never claim
	// the same row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error)

	// MarkCompleted records successful delivery.
	MarkCompleted(ctx context.Context, id string, processedAt time.Time) error

	// MarkFailed records a delivery failure, increments the retry count, and
	// schedules the next attempt.
	MarkFailed(ctx context.Context, id string, lastError string, nextRetryAt time.Time) error

	// GetByID retrieves an event by ID.
	GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error)

	// DeleteCompletedBefore removes COMPLETED events older than the cutoff.
	// Returns the number of rows deleted.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterRepository parks events that exhausted their retries and records
// operator resolutions.
type DeadLetterRepository interface {
	// Create parks a copy of the exhausted outbox event.
	Create(ctx context.Context, dl *domain.DeadLetterEvent) error

	// GetByID retrieves a dead letter by ID.
	GetByID(ctx context.Context, id string) (*domain.DeadLetterEvent, error)

	// List returns dead letters filtered by resolution ("" means all),
	// newest first.
	List(ctx context.Context, resolution domain.DLQResolution, limit, offset int) ([]domain.DeadLetterEvent, int, error)

	// Resolve records an operator action on a PENDING dead letter.
	Resolve(ctx context.Context, id string, resolution domain.DLQResolution, resolvedBy string) error
}

// IdempotencyRepository is the durable half of the idempotency store; the
// redis cache in front of it is separate.
type IdempotencyRepository interface {
	// Create persists the response of a first execution. The pair
	// (key, fingerprint) is unique.
	Create(ctx context.Context, rec *domain.IdempotencyRecord) error

	// GetByKey retrieves the record stored under the key regardless of
	// fingerprint, so callers can distinguish replay from key reuse.
	GetByKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// DeleteExpiredBefore sweeps records whose expiry has passed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// The collaborator capability interfaces below are intentionally narrower
// than full CRUD services: the composition workflows depend only on these
// signatures.

// AccountRepository is the account collaborator surface used by workflows.
type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Account, error)
	Create(ctx context.Context, tx pgx.Tx, account *domain.Account) error
	Delete(ctx context.Context, id string) error
	ExternalIDExists(ctx context.Context, externalID string) (bool, error)
	// BeginSerializable opens the strictest-isolation transaction used by the
	// registration workflow to close the duplicate-email race.
	BeginSerializable(ctx context.Context) (pgx.Tx, error)
}

// ProfileRepository is the profile collaborator surface used by workflows.
type ProfileRepository interface {
	Create(ctx context.Context, profile *domain.Profile) error
	FindByAccountID(ctx context.Context, accountID string) (*domain.Profile, error)
	Delete(ctx context.Context, accountID string) error
}

// SessionRepository is the session collaborator surface used by workflows.
type SessionRepository interface {
	// RevokeAllForAccount revokes every active session of the account.
	// Revoking an account with no active sessions is a no-op, which makes
	// the deletion step safely re-runnable.
	RevokeAllForAccount(ctx context.Context, accountID string) (int64, error)
}

// DeviceRepository is the device collaborator surface used by workflows.
type DeviceRepository interface {
	FindAll(ctx context.Context, accountID string) ([]domain.Device, error)
	Remove(ctx context.Context, deviceID string) error
}
