// Package workflow defines the saga compositions built on the account,
// profile, session, and device collaborators.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/event"
	"github.com/utafrali/identity/internal/extid"
	"github.com/utafrali/identity/internal/outbox"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/internal/saga"
)

// Saga context keys shared by the workflows. Values are strings so the
// context survives JSON persistence unchanged.
const (
	CtxAccountID    = "account_id"
	CtxExternalID   = "external_id"
	CtxEmail        = "email"
	CtxUsername     = "username"
	CtxPasswordHash = "password_hash"
	CtxProvider     = "provider"
	CtxProfileName  = "profile_name"
	CtxReason       = "reason"
	CtxLegalBasis   = "legal_basis"
)

// RegistrationSagaName identifies the registration definition.
const RegistrationSagaName = "account_registration"

// Registration composes CreateAccount -> CreateProfile into a saga and
// publishes the registered event atomically with saga completion.
type Registration struct {
	accounts        repository.AccountRepository
	profiles        repository.ProfileRepository
	outboxEvents    repository.OutboxRepository
	timeout         time.Duration
	eventMaxRetries int
}

// NewRegistration creates the registration workflow.
func NewRegistration(
	accounts repository.AccountRepository,
	profiles repository.ProfileRepository,
	outboxEvents repository.OutboxRepository,
	timeout time.Duration,
	eventMaxRetries int,
) *Registration {
	return &Registration{
		accounts:        accounts,
		profiles:        profiles,
		outboxEvents:    outboxEvents,
		timeout:         timeout,
		eventMaxRetries: eventMaxRetries,
	}
}

// Definition returns the saga definition for registration. The initial
// context must carry email, username, password_hash, provider, and
// profile_name.
func (wf *Registration) Definition() *saga.Definition {
	return &saga.Definition{
		Name:    RegistrationSagaName,
		Timeout: wf.timeout,
		Steps: []saga.Step{
			saga.StepFunc{
				StepName:     "create_account",
				ExecuteFn:    wf.createAccount,
				CompensateFn: wf.deleteAccount,
			},
			saga.StepFunc{
				StepName:     "create_profile",
				ExecuteFn:    wf.createProfile,
				CompensateFn: wf.deleteProfile,
			},
		},
		OnComplete: wf.publishRegistered,
	}
}

// createAccount inserts the account under serializable isolation so two
// concurrent registrations for the same email cannot both commit. The
// external ID is regenerated on the rare collision, bounded by the extid
// attempt budget; that retry stays inside the step and never triggers
// saga-level compensation.
func (wf *Registration) createAccount(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error) {
	externalID, err := extid.Unique(func(id string) (bool, error) {
		return wf.accounts.ExternalIDExists(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("allocate external id: %w", err)
	}

	now := time.Now().UTC()
	account := &domain.Account{
		ID:           uuid.NewString(),
		ExternalID:   externalID,
		Email:        sc.GetString(CtxEmail),
		Username:     sc.GetString(CtxUsername),
		PasswordHash: sc.GetString(CtxPasswordHash),
		Provider:     domain.AuthProvider(sc.GetString(CtxProvider)),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := wf.accounts.BeginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := wf.accounts.Create(ctx, tx, account); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit account create: %w", err)
	}

	return domain.SagaContext{
		CtxAccountID:  account.ID,
		CtxExternalID: account.ExternalID,
	}, nil
}

func (wf *Registration) deleteAccount(ctx context.Context, sc domain.SagaContext) error {
	id := sc.GetString(CtxAccountID)
	if id == "" {
		return nil
	}
	return wf.accounts.Delete(ctx, id)
}

func (wf *Registration) createProfile(ctx context.Context, sc domain.SagaContext) (domain.SagaContext, error) {
	now := time.Now().UTC()
	profile := &domain.Profile{
		AccountID: sc.GetString(CtxAccountID),
		Name:      sc.GetString(CtxProfileName),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := wf.profiles.Create(ctx, profile); err != nil {
		return nil, err
	}

	return nil, nil
}

func (wf *Registration) deleteProfile(ctx context.Context, sc domain.SagaContext) error {
	id := sc.GetString(CtxAccountID)
	if id == "" {
		return nil
	}
	return wf.profiles.Delete(ctx, id)
}

// publishRegistered enqueues the registered event in the same transaction as
// the terminal saga write.
func (wf *Registration) publishRegistered(ctx context.Context, tx pgx.Tx, state *domain.SagaState) error {
	payload := event.AccountRegistered{
		AccountID:  state.Context.GetString(CtxAccountID),
		ExternalID: state.Context.GetString(CtxExternalID),
		Email:      state.Context.GetString(CtxEmail),
		Username:   state.Context.GetString(CtxUsername),
		Provider:   state.Context.GetString(CtxProvider),
		OccurredAt: time.Now().UTC(),
	}

	ev, err := outbox.NewEvent(
		event.AggregateAccount,
		payload.AccountID,
		event.TypeAccountRegistered,
		payload,
		"saga:"+state.SagaID,
		wf.eventMaxRetries,
	)
	if err != nil {
		return err
	}

	return wf.outboxEvents.CreateInTx(ctx, tx, ev)
}
