// Package saga runs named, linear step sequences with reverse-order
// compensation. Saga state is persisted before and after every step so a
// crashed process can resume or compensate where it left off.
package saga

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/identity/internal/domain"
)

// Step is a single unit of work in a saga. Execute returns the partial
// context to merge into the saga context; Compensate undoes the step's
// effects and receives the context as of the moment compensation runs.
//
// Steps may be re-run after a crash, so Execute must be idempotent or
// check-then-act against collaborator state.
type Step interface {
	Name() string
	Execute(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error)
	Compensate(ctx context.Context, sc domain.SagaContext) error
}

// RetryableStep marks a step whose Execute is retried with exponential
// backoff before the failure becomes terminal for the saga. Steps without
// this interface fail the saga on the first error.
type RetryableStep interface {
	Step
	MaxAttempts() uint
}

// Definition is an ordered list of named steps plus the saga's deadline.
type Definition struct {
	Name    string
	Steps   []Step
	Timeout time.Duration

	// OnComplete, when set, runs inside the same database transaction as the
	// terminal COMPLETED state write. Workflows use it to enqueue outbox
	// events atomically with saga completion.
	OnComplete func(ctx context.Context, tx pgx.Tx, state *domain.SagaState) error
}

// StepFunc adapts a pair of functions to the Step interface.
type StepFunc struct {
	StepName      string
	ExecuteFn     func(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error)
	CompensateFn  func(ctx context.Context, sc domain.SagaContext) error
	RetryAttempts uint
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Execute(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error) {
	return s.ExecuteFn(ctx, sc)
}

// Compensate is a no-op unless CompensateFn is set. Forward-only steps leave
// it nil on purpose.
func (s StepFunc) Compensate(ctx context.Context, sc domain.SagaContext) error {
	if s.CompensateFn == nil {
		return nil
	}
	return s.CompensateFn(ctx, sc)
}

// MaxAttempts reports the retry budget; zero or one means no retries.
func (s StepFunc) MaxAttempts() uint { return s.RetryAttempts }
