package service

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/event"
	"github.com/utafrali/identity/internal/workflow"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// --- Mock Saga Executor ---

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, name, correlationID string, initial domain.SagaContext) (*domain.SagaState, error) {
	args := m.Called(ctx, name, correlationID, initial)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SagaState), args.Error(1)
}

// --- Mock Saga State Repository ---

type mockStates struct {
	mock.Mock
}

func (m *mockStates) Create(ctx context.Context, state *domain.SagaState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *mockStates) Update(ctx context.Context, state *domain.SagaState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *mockStates) UpdateInTx(ctx context.Context, tx pgx.Tx, state *domain.SagaState) error {
	args := m.Called(ctx, tx, state)
	return args.Error(0)
}

func (m *mockStates) GetByID(ctx context.Context, sagaID string) (*domain.SagaState, error) {
	args := m.Called(ctx, sagaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SagaState), args.Error(1)
}

func (m *mockStates) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.SagaState, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SagaState), args.Error(1)
}

func (m *mockStates) ListInFlight(ctx context.Context) ([]domain.SagaState, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.SagaState), args.Error(1)
}

// --- Mock Account Repository ---

type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Account), args.Error(1)
}

func (m *mockAccounts) Create(ctx context.Context, tx pgx.Tx, account *domain.Account) error {
	args := m.Called(ctx, tx, account)
	return args.Error(0)
}

func (m *mockAccounts) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockAccounts) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	args := m.Called(ctx, externalID)
	return args.Bool(0), args.Error(1)
}

func (m *mockAccounts) BeginSerializable(ctx context.Context) (pgx.Tx, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Tx), args.Error(1)
}

// --- Mock Outbox Repository ---

type mockOutbox struct {
	mock.Mock
}

func (m *mockOutbox) Create(ctx context.Context, ev *domain.OutboxEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *mockOutbox) CreateInTx(ctx context.Context, tx pgx.Tx, ev *domain.OutboxEvent) error {
	args := m.Called(ctx, tx, ev)
	return args.Error(0)
}

func (m *mockOutbox) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]domain.OutboxEvent), args.Error(1)
}

func (m *mockOutbox) MarkCompleted(ctx context.Context, id string, processedAt time.Time) error {
	args := m.Called(ctx, id, processedAt)
	return args.Error(0)
}

func (m *mockOutbox) MarkFailed(ctx context.Context, id string, lastError string, nextRetryAt time.Time) error {
	args := m.Called(ctx, id, lastError, nextRetryAt)
	return args.Error(0)
}

func (m *mockOutbox) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OutboxEvent), args.Error(1)
}

func (m *mockOutbox) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// --- Fixture ---

func newService(t *testing.T) (*AccountService, *mockExecutor, *mockStates, *mockAccounts, *mockOutbox) {
	t.Helper()
	executor := new(mockExecutor)
	states := new(mockStates)
	accounts := new(mockAccounts)
	outboxEvents := new(mockOutbox)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewAccountService(executor, states, accounts, outboxEvents, log, 5)
	return svc, executor, states, accounts, outboxEvents
}

func completedState(correlationID string) *domain.SagaState {
	return &domain.SagaState{
		SagaID:        "saga-1",
		CorrelationID: correlationID,
		Status:        domain.SagaCompleted,
		Context:       domain.SagaContext{workflow.CtxAccountID: "acc-1"},
	}
}

// --- Register ---

func TestRegister_Success(t *testing.T) {
	svc, executor, _, _, _ := newService(t)

	executor.On("Execute", mock.Anything, workflow.RegistrationSagaName, "corr-1",
		mock.MatchedBy(func(sc domain.SagaContext) bool {
			if sc.GetString(workflow.CtxEmail) != "alice@example.com" {
				return false
			}
			if sc.GetString(workflow.CtxProvider) != string(domain.ProviderLocal) {
				return false
			}
			hash := sc.GetString(workflow.CtxPasswordHash)
			return bcrypt.CompareHashAndPassword([]byte(hash), []byte("Str0ngPass")) == nil
		}),
	).Return(completedState("corr-1"), nil)

	state, err := svc.Register(context.Background(), "corr-1", RegisterInput{
		Email:    "Alice@Example.com ",
		Password: "Str0ngPass",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, state.Status)
	executor.AssertExpectations(t)
}

func TestRegister_DerivesUsernameFromEmail(t *testing.T) {
	svc, executor, _, _, _ := newService(t)

	executor.On("Execute", mock.Anything, workflow.RegistrationSagaName, mock.Anything,
		mock.MatchedBy(func(sc domain.SagaContext) bool {
			username := sc.GetString(workflow.CtxUsername)
			// Local part plus a six character suffix.
			return strings.HasPrefix(username, "alice") && len(username) == len("alice")+6 &&
				sc.GetString(workflow.CtxProfileName) == username
		}),
	).Return(completedState("corr-1"), nil)

	_, err := svc.Register(context.Background(), "corr-1", RegisterInput{
		Email:    "alice@example.com",
		Password: "Str0ngPass",
	})
	require.NoError(t, err)
	executor.AssertExpectations(t)
}

func TestRegister_GeneratesCorrelationIDWhenMissing(t *testing.T) {
	svc, executor, _, _, _ := newService(t)

	executor.On("Execute", mock.Anything, workflow.RegistrationSagaName,
		mock.MatchedBy(func(id string) bool { return id != "" }),
		mock.Anything,
	).Return(completedState("generated"), nil)

	_, err := svc.Register(context.Background(), "", RegisterInput{
		Email:    "alice@example.com",
		Password: "Str0ngPass",
	})
	require.NoError(t, err)
	executor.AssertExpectations(t)
}

func TestRegister_ValidationFailures(t *testing.T) {
	svc, executor, _, _, _ := newService(t)

	tests := []struct {
		name  string
		input RegisterInput
	}{
		{"missing email", RegisterInput{Password: "Str0ngPass"}},
		{"malformed email", RegisterInput{Email: "not-an-email", Password: "Str0ngPass"}},
		{"short password", RegisterInput{Email: "a@b.com", Password: "Ab1"}},
		{"no uppercase", RegisterInput{Email: "a@b.com", Password: "weakpass1"}},
		{"no digit", RegisterInput{Email: "a@b.com", Password: "Weakpassword"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), "corr-1", tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
	executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// --- Delete ---

func TestDelete_Success(t *testing.T) {
	svc, executor, _, accounts, _ := newService(t)

	accounts.On("FindByID", mock.Anything, "acc-1").Return(&domain.Account{ID: "acc-1"}, nil)
	executor.On("Execute", mock.Anything, workflow.DeletionSagaName, "corr-del",
		mock.MatchedBy(func(sc domain.SagaContext) bool {
			return sc.GetString(workflow.CtxAccountID) == "acc-1" &&
				sc.GetString(workflow.CtxReason) == "user_request" &&
				sc.GetString(workflow.CtxLegalBasis) == "gdpr_art_17"
		}),
	).Return(completedState("corr-del"), nil)

	state, err := svc.Delete(context.Background(), "corr-del", DeleteInput{
		AccountID:  "acc-1",
		LegalBasis: "gdpr_art_17",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, state.Status)
	executor.AssertExpectations(t)
}

func TestDelete_UnknownAccount(t *testing.T) {
	svc, executor, _, accounts, _ := newService(t)

	accounts.On("FindByID", mock.Anything, "missing").Return(nil, apperrors.NotFound("account", "missing"))

	_, err := svc.Delete(context.Background(), "corr-del", DeleteInput{AccountID: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// --- ScheduleDeletion ---

func TestScheduleDeletion_EnqueuesEvent(t *testing.T) {
	svc, _, _, accounts, outboxEvents := newService(t)

	accounts.On("FindByID", mock.Anything, "acc-1").Return(&domain.Account{ID: "acc-1"}, nil)
	outboxEvents.On("Create", mock.Anything, mock.MatchedBy(func(ev *domain.OutboxEvent) bool {
		if ev.EventType != event.TypeAccountDeletionScheduled {
			return false
		}
		return ev.IdempotencyKey == "deletion-schedule:acc-1"
	})).Return(nil)

	deleteAt, err := svc.ScheduleDeletion(context.Background(), "acc-1", 14, "user_request", "gdpr_art_17")
	require.NoError(t, err)

	wantDay := time.Now().UTC().AddDate(0, 0, 14)
	assert.WithinDuration(t, wantDay, deleteAt, time.Minute)
	outboxEvents.AssertExpectations(t)
}

func TestScheduleDeletion_DefaultGracePeriod(t *testing.T) {
	svc, _, _, accounts, outboxEvents := newService(t)

	accounts.On("FindByID", mock.Anything, "acc-1").Return(&domain.Account{ID: "acc-1"}, nil)
	outboxEvents.On("Create", mock.Anything, mock.Anything).Return(nil)

	deleteAt, err := svc.ScheduleDeletion(context.Background(), "acc-1", 0, "", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 30), deleteAt, time.Minute)
}

func TestScheduleDeletion_NegativeGracePeriod(t *testing.T) {
	svc, _, _, _, _ := newService(t)

	_, err := svc.ScheduleDeletion(context.Background(), "acc-1", -1, "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

// --- GetSaga ---

func TestGetSaga(t *testing.T) {
	svc, _, states, _, _ := newService(t)

	states.On("GetByCorrelationID", mock.Anything, "corr-1").Return(completedState("corr-1"), nil)

	state, err := svc.GetSaga(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "corr-1", state.CorrelationID)

	_, err = svc.GetSaga(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
