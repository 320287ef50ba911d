package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/event"
	"github.com/utafrali/identity/internal/outbox"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/internal/saga"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// DeletionSagaName identifies the account deletion definition.
const DeletionSagaName = "account_deletion"

// Deletion composes RevokeSessions -> RemoveDevices -> DeleteProfile ->
// DeleteAccount. Every step is forward-only: once deletion begins, partial
// completion is an acceptable interim state, because un-revoking sessions or
// un-deleting a profile has no safe semantics. Each step is a no-op when its
// target is already gone, so the saga can resume after a crash.
type Deletion struct {
	accounts        repository.AccountRepository
	profiles        repository.ProfileRepository
	sessions        repository.SessionRepository
	devices         repository.DeviceRepository
	outboxEvents    repository.OutboxRepository
	timeout         time.Duration
	eventMaxRetries int
}

// NewDeletion creates the deletion workflow.
func NewDeletion(
	accounts repository.AccountRepository,
	profiles repository.ProfileRepository,
	sessions repository.SessionRepository,
	devices repository.DeviceRepository,
	outboxEvents repository.OutboxRepository,
	timeout time.Duration,
	eventMaxRetries int,
) *Deletion {
	return &Deletion{
		accounts:        accounts,
		profiles:        profiles,
		sessions:        sessions,
		devices:         devices,
		outboxEvents:    outboxEvents,
		timeout:         timeout,
		eventMaxRetries: eventMaxRetries,
	}
}

// Definition returns the saga definition for account deletion. The initial
// context must carry account_id and may carry reason and legal_basis.
func (wf *Deletion) Definition() *saga.Definition {
	return &saga.Definition{
		Name:    DeletionSagaName,
		Timeout: wf.timeout,
		Steps: []saga.Step{
			saga.StepFunc{StepName: "revoke_sessions", ExecuteFn: wf.revokeSessions},
			saga.StepFunc{StepName: "remove_devices", ExecuteFn: wf.removeDevices},
			saga.StepFunc{StepName: "delete_profile", ExecuteFn: wf.deleteProfile},
			saga.StepFunc{StepName: "delete_account", ExecuteFn: wf.deleteAccount},
		},
		OnComplete: wf.publishDeleted,
	}
}

func (wf *Deletion) revokeSessions(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error) {
	_, err := wf.sessions.RevokeAllForAccount(ctx, sc.GetString(CtxAccountID))
	return nil, err
}

func (wf *Deletion) removeDevices(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error) {
	devices, err := wf.devices.FindAll(ctx, sc.GetString(CtxAccountID))
	if err != nil {
		return nil, err
	}

	for _, device := range devices {
		if err := wf.devices.Remove(ctx, device.ID); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

func (wf *Deletion) deleteProfile(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error) {
	err := wf.profiles.Delete(ctx, sc.GetString(CtxAccountID))
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

func (wf *Deletion) deleteAccount(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error) {
	return nil, wf.accounts.Delete(ctx, sc.GetString(CtxAccountID))
}

// publishDeleted enqueues the deleted event, carrying the reason and legal
// basis for the compliance audit trail, in the same transaction as the
// terminal saga write.
func (wf *Deletion) publishDeleted(ctx context.Context, tx pgx.Tx, state *domain.SagaState) error {
	payload := event.AccountDeleted{
		AccountID:  state.Context.GetString(CtxAccountID),
		Reason:     state.Context.GetString(CtxReason),
		LegalBasis: state.Context.GetString(CtxLegalBasis),
		OccurredAt: time.Now().UTC(),
	}

	ev, err := outbox.NewEvent(
		event.AggregateAccount,
		payload.AccountID,
		event.TypeAccountDeleted,
		payload,
		"saga:"+state.SagaID,
		wf.eventMaxRetries,
	)
	if err != nil {
		return err
	}

	return wf.outboxEvents.CreateInTx(ctx, tx, ev)
}
