package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/pkg/database"
	"github.com/utafrali/identity/pkg/logger"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

var (
	// ErrSagaTimeout is the failure cause recorded when a saga's deadline
	// elapses before it completes.
	ErrSagaTimeout = errors.New("saga deadline exceeded")

	// ErrUnknownDefinition is returned when no registered definition matches
	// the requested saga name.
	ErrUnknownDefinition = errors.New("unknown saga definition")
)

// Orchestrator executes registered saga definitions against the durable
// state store. Steps within one saga run strictly sequentially; distinct
// sagas run concurrently, each owning its own state row.
type Orchestrator struct {
	states         repository.SagaStateRepository
	pool           database.DBTX
	logger         *slog.Logger
	defaultTimeout time.Duration
	defs           map[string]*Definition
}

// NewOrchestrator creates an orchestrator. defaultTimeout applies to
// definitions that do not set their own.
func NewOrchestrator(states repository.SagaStateRepository, pool database.DBTX, log *slog.Logger, defaultTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		states:         states,
		pool:           pool,
		logger:         log,
		defaultTimeout: defaultTimeout,
		defs:           make(map[string]*Definition),
	}
}

// Register adds a definition. Definitions must be registered before Execute
// or Recover can run them; registration happens once at startup.
func (o *Orchestrator) Register(def *Definition) {
	o.defs[def.Name] = def
}

// Execute runs the named saga under the given correlation ID. A repeat call
// with a correlation ID that already has a saga returns that saga's state
// without executing anything, whatever its status.
func (o *Orchestrator) Execute(ctx context.Context, name, correlationID string, initial domain.SagaContext) (*domain.SagaState, error) {
	def, ok := o.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}

	if existing, err := o.states.GetByCorrelationID(ctx, correlationID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	now := time.Now().UTC()
	state := &domain.SagaState{
		SagaID:        uuid.NewString(),
		CorrelationID: correlationID,
		Name:          def.Name,
		Status:        domain.SagaPending,
		TotalSteps:    len(def.Steps),
		Context:       initial.Clone(),
		StartedAt:     now,
		TimeoutAt:     now.Add(timeout),
		UpdatedAt:     now,
	}
	if state.Context == nil {
		state.Context = domain.SagaContext{}
	}

	if err := o.states.Create(ctx, state); err != nil {
		// A concurrent request with the same correlation ID won the insert
		// race; serve its saga instead of running a second one.
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			existing, getErr := o.states.GetByCorrelationID(ctx, correlationID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, nil
		}
		return nil, err
	}

	sagasStarted.WithLabelValues(def.Name).Inc()

	return o.run(ctx, def, state)
}

// Recover scans for sagas left IN_PROGRESS or COMPENSATING by a previous
// process and drives each to a terminal status: timed-out sagas are
// compensated, the rest resume from their last persisted step.
func (o *Orchestrator) Recover(ctx context.Context) error {
	inFlight, err := o.states.ListInFlight(ctx)
	if err != nil {
		return fmt.Errorf("list in-flight sagas: %w", err)
	}

	for i := range inFlight {
		state := &inFlight[i]
		log := logger.WithContext(ctx, o.logger).With(
			slog.String("saga_id", state.SagaID),
			slog.String("saga_name", state.Name),
		)

		def, ok := o.defs[state.Name]
		if !ok {
			log.Error("no definition registered for in-flight saga, leaving it untouched")
			continue
		}

		sagasRecovered.WithLabelValues(state.Name).Inc()

		switch {
		case state.TimedOut(time.Now().UTC()):
			log.Warn("in-flight saga past its deadline, compensating")
			o.timeOut(ctx, def, state)
		case state.Status == domain.SagaCompensating:
			log.Info("resuming interrupted compensation")
			o.compensate(ctx, def, state)
		default:
			log.Info("resuming in-flight saga", slog.Int("current_step", state.CurrentStep))
			if _, err := o.run(ctx, def, state); err != nil {
				log.Error("resumed saga did not complete", slog.String("error", err.Error()))
			}
		}
	}

	return nil
}

// run drives the saga forward from its last persisted position. On a step
// failure it compensates and returns the step's original error.
func (o *Orchestrator) run(ctx context.Context, def *Definition, state *domain.SagaState) (*domain.SagaState, error) {
	log := logger.WithContext(ctx, o.logger).With(
		slog.String("saga_id", state.SagaID),
		slog.String("saga_name", state.Name),
	)
	started := time.Now()

	for i := len(state.CompletedSteps); i < len(def.Steps); i++ {
		if state.TimedOut(time.Now().UTC()) {
			o.timeOut(ctx, def, state)
			o.observeFinished(state, started)
			return state, ErrSagaTimeout
		}

		step := def.Steps[i]
		state.Status = domain.SagaInProgress
		state.CurrentStep = i + 1
		if err := o.states.Update(ctx, state); err != nil {
			return state, fmt.Errorf("persist saga before step %s: %w", step.Name(), err)
		}

		log.Info("executing saga step",
			slog.String("step", step.Name()),
			slog.Int("step_number", state.CurrentStep),
		)

		partial, err := o.executeStep(ctx, step, state)
		if err != nil {
			log.Warn("saga step failed, compensating",
				slog.String("step", step.Name()),
				slog.String("error", err.Error()),
			)
			state.Error = err.Error()
			o.compensate(ctx, def, state)
			o.observeFinished(state, started)
			return state, err
		}

		state.Context.Merge(partial)
		state.CompletedSteps = append(state.CompletedSteps, step.Name())
		if err := o.states.Update(ctx, state); err != nil {
			return state, fmt.Errorf("persist saga after step %s: %w", step.Name(), err)
		}
	}

	if err := o.complete(ctx, def, state); err != nil {
		return state, err
	}
	o.observeFinished(state, started)

	log.Info("saga completed", slog.Int("steps", state.TotalSteps))

	return state, nil
}

// complete writes the terminal COMPLETED state. When the definition carries
// an OnComplete hook, the state write and the hook share one transaction so
// the saga result and any outbox facts it produces commit atomically.
func (o *Orchestrator) complete(ctx context.Context, def *Definition, state *domain.SagaState) error {
	now := time.Now().UTC()
	state.Status = domain.SagaCompleted
	state.CompletedAt = &now

	if def.OnComplete == nil {
		return o.states.Update(ctx, state)
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin completion tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := o.states.UpdateInTx(ctx, tx, state); err != nil {
		return err
	}
	if err := def.OnComplete(ctx, tx, state); err != nil {
		return fmt.Errorf("saga completion hook: %w", err)
	}

	return tx.Commit(ctx)
}

// timeOut forces the saga into TIMED_OUT, then compensates whatever steps
// had completed. The deadline is fatal, never a silent continuation.
func (o *Orchestrator) timeOut(ctx context.Context, def *Definition, state *domain.SagaState) {
	state.Status = domain.SagaTimedOut
	state.Error = ErrSagaTimeout.Error()
	if err := o.states.Update(ctx, state); err != nil {
		logger.WithContext(ctx, o.logger).Error("persist saga timeout",
			slog.String("saga_id", state.SagaID),
			slog.String("error", err.Error()),
		)
	}
	sagasTimedOut.WithLabelValues(state.Name).Inc()

	o.compensate(ctx, def, state)
}

// compensate walks completedSteps in reverse invoking each step's undo. A
// compensation error is logged and the walk continues; it never overrides
// the saga's recorded cause. A saga that failed before completing any step
// finishes FAILED; one that had to undo work finishes COMPENSATED.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, state *domain.SagaState) {
	log := logger.WithContext(ctx, o.logger).With(
		slog.String("saga_id", state.SagaID),
		slog.String("saga_name", state.Name),
	)
	now := time.Now().UTC()

	if len(state.CompletedSteps) == 0 {
		state.Status = domain.SagaFailed
		state.CompletedAt = &now
		if err := o.states.Update(ctx, state); err != nil {
			log.Error("persist failed saga", slog.String("error", err.Error()))
		}
		return
	}

	state.Status = domain.SagaCompensating
	if err := o.states.Update(ctx, state); err != nil {
		log.Error("persist compensating saga", slog.String("error", err.Error()))
		return
	}

	byName := make(map[string]Step, len(def.Steps))
	for _, step := range def.Steps {
		byName[step.Name()] = step
	}

	for i := len(state.CompletedSteps) - 1; i >= 0; i-- {
		name := state.CompletedSteps[i]
		step, ok := byName[name]
		if !ok {
			log.Error("completed step missing from definition", slog.String("step", name))
			continue
		}

		log.Info("compensating saga step", slog.String("step", name))
		if err := step.Compensate(ctx, state.Context); err != nil {
			log.Error("saga step compensation failed",
				slog.String("step", name),
				slog.String("error", err.Error()),
			)
		}
		compensationsRun.WithLabelValues(state.Name, name).Inc()
	}

	completedAt := time.Now().UTC()
	state.Status = domain.SagaCompensated
	state.CompletedAt = &completedAt
	if err := o.states.Update(ctx, state); err != nil {
		log.Error("persist compensated saga", slog.String("error", err.Error()))
	}
}

// executeStep invokes the step, retrying with exponential backoff when the
// step declares a retry budget. Execution is bounded by the saga's deadline.
func (o *Orchestrator) executeStep(ctx context.Context, step Step, state *domain.SagaState) (domain.SagaContext, error) {
	stepCtx, cancel := context.WithDeadline(ctx, state.TimeoutAt)
	defer cancel()

	rs, ok := step.(RetryableStep)
	if !ok || rs.MaxAttempts() <= 1 {
		return step.Execute(stepCtx, state.Context)
	}

	return backoff.Retry(stepCtx, func() (domain.SagaContext, error) {
		return step.Execute(stepCtx, state.Context)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(rs.MaxAttempts()),
	)
}

func (o *Orchestrator) observeFinished(state *domain.SagaState, started time.Time) {
	sagasFinished.WithLabelValues(state.Name, string(state.Status)).Inc()
	sagaDuration.WithLabelValues(state.Name).Observe(time.Since(started).Seconds())
}
