// Package service implements the account-facing business operations. The
// heavy lifting is delegated to the saga orchestrator and its registered
// workflows; the service validates input, hashes credentials, and translates
// between transport-level requests and saga executions.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/event"
	"github.com/utafrali/identity/internal/extid"
	"github.com/utafrali/identity/internal/outbox"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/internal/workflow"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// bcryptCost is the cost factor for bcrypt password hashing.
const bcryptCost = 12

// minPasswordLength is the minimum password length required.
const minPasswordLength = 8

// usernameSuffixLen is the number of random base62 characters appended to a
// derived username to avoid collisions.
const usernameSuffixLen = 6

// defaultGracePeriodDays applies when a deletion schedule request does not
// set its own grace period.
const defaultGracePeriodDays = 30

// SagaExecutor runs a named saga under a correlation ID. Satisfied by
// saga.Orchestrator.
type SagaExecutor interface {
	Execute(ctx context.Context, name, correlationID string, initial domain.SagaContext) (*domain.SagaState, error)
}

// AccountService implements registration, deletion, and deletion scheduling.
type AccountService struct {
	orchestrator    SagaExecutor
	states          repository.SagaStateRepository
	accounts        repository.AccountRepository
	outboxEvents    repository.OutboxRepository
	logger          *slog.Logger
	eventMaxRetries int
}

// NewAccountService creates a new account service.
func NewAccountService(
	orchestrator SagaExecutor,
	states repository.SagaStateRepository,
	accounts repository.AccountRepository,
	outboxEvents repository.OutboxRepository,
	logger *slog.Logger,
	eventMaxRetries int,
) *AccountService {
	return &AccountService{
		orchestrator:    orchestrator,
		states:          states,
		accounts:        accounts,
		outboxEvents:    outboxEvents,
		logger:          logger,
		eventMaxRetries: eventMaxRetries,
	}
}

// RegisterInput holds the parameters for registering a new account.
type RegisterInput struct {
	Email       string
	Password    string
	Username    string
	ProfileName string
}

// DeleteInput holds the parameters for deleting an account.
type DeleteInput struct {
	AccountID  string
	Reason     string
	LegalBasis string
}

// Register validates the input, hashes the password, and runs the
// registration saga under the given correlation ID. A repeat call with the
// same correlation ID returns the first run's saga without registering twice.
func (s *AccountService) Register(ctx context.Context, correlationID string, input RegisterInput) (*domain.SagaState, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return nil, apperrors.InvalidInput("email is required")
	}
	if !strings.Contains(email, "@") {
		return nil, apperrors.InvalidInput("email must be a valid email address")
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, err
	}

	username := strings.TrimSpace(input.Username)
	if username == "" {
		derived, err := generateUsername(email)
		if err != nil {
			return nil, fmt.Errorf("generate username: %w", err)
		}
		username = derived
	}

	profileName := strings.TrimSpace(input.ProfileName)
	if profileName == "" {
		profileName = username
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	state, err := s.orchestrator.Execute(ctx, workflow.RegistrationSagaName, correlationID, domain.SagaContext{
		workflow.CtxEmail:        email,
		workflow.CtxUsername:     username,
		workflow.CtxPasswordHash: string(hashedPassword),
		workflow.CtxProvider:     string(domain.ProviderLocal),
		workflow.CtxProfileName:  profileName,
	})
	if err != nil {
		return state, err
	}

	s.logger.InfoContext(ctx, "account registered",
		slog.String("account_id", state.Context.GetString(workflow.CtxAccountID)),
		slog.String("correlation_id", correlationID),
	)

	return state, nil
}

// Delete runs the account deletion saga under the given correlation ID.
// The account must exist when the saga starts; the saga itself tolerates
// collaborators that are already gone, so a crashed deletion can resume.
func (s *AccountService) Delete(ctx context.Context, correlationID string, input DeleteInput) (*domain.SagaState, error) {
	if input.AccountID == "" {
		return nil, apperrors.InvalidInput("account id is required")
	}
	if _, err := s.accounts.FindByID(ctx, input.AccountID); err != nil {
		return nil, err
	}

	reason := input.Reason
	if reason == "" {
		reason = "user_request"
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	state, err := s.orchestrator.Execute(ctx, workflow.DeletionSagaName, correlationID, domain.SagaContext{
		workflow.CtxAccountID:  input.AccountID,
		workflow.CtxReason:     reason,
		workflow.CtxLegalBasis: input.LegalBasis,
	})
	if err != nil {
		return state, err
	}

	s.logger.InfoContext(ctx, "account deleted",
		slog.String("account_id", input.AccountID),
		slog.String("correlation_id", correlationID),
	)

	return state, nil
}

// ScheduleDeletion records a future deletion date and enqueues the
// deletion_scheduled event. It is not a saga: the only effect is the outbox
// row, and the per-account idempotency key makes repeated scheduling a no-op.
func (s *AccountService) ScheduleDeletion(ctx context.Context, accountID string, gracePeriodDays int, reason, legalBasis string) (time.Time, error) {
	if accountID == "" {
		return time.Time{}, apperrors.InvalidInput("account id is required")
	}
	if gracePeriodDays < 0 {
		return time.Time{}, apperrors.InvalidInput("grace period must not be negative")
	}
	if gracePeriodDays == 0 {
		gracePeriodDays = defaultGracePeriodDays
	}

	if _, err := s.accounts.FindByID(ctx, accountID); err != nil {
		return time.Time{}, err
	}

	now := time.Now().UTC()
	deleteAt := now.AddDate(0, 0, gracePeriodDays)
	if reason == "" {
		reason = "user_request"
	}

	ev, err := outbox.NewEvent(
		event.AggregateAccount,
		accountID,
		event.TypeAccountDeletionScheduled,
		event.AccountDeletionScheduled{
			AccountID:  accountID,
			Reason:     reason,
			LegalBasis: legalBasis,
			DeleteAt:   deleteAt,
			OccurredAt: now,
		},
		"deletion-schedule:"+accountID,
		s.eventMaxRetries,
	)
	if err != nil {
		return time.Time{}, err
	}

	if err := s.outboxEvents.Create(ctx, ev); err != nil {
		return time.Time{}, fmt.Errorf("enqueue deletion_scheduled event: %w", err)
	}

	s.logger.InfoContext(ctx, "account deletion scheduled",
		slog.String("account_id", accountID),
		slog.Time("delete_at", deleteAt),
	)

	return deleteAt, nil
}

// GetSaga retrieves the saga recorded under a correlation ID.
func (s *AccountService) GetSaga(ctx context.Context, correlationID string) (*domain.SagaState, error) {
	if correlationID == "" {
		return nil, apperrors.InvalidInput("correlation id is required")
	}
	return s.states.GetByCorrelationID(ctx, correlationID)
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.InvalidInput(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	var hasUpper, hasLower, hasDigit bool
	for _, ch := range password {
		switch {
		case unicode.IsUpper(ch):
			hasUpper = true
		case unicode.IsLower(ch):
			hasLower = true
		case unicode.IsDigit(ch):
			hasDigit = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit {
		return apperrors.InvalidInput("password must contain at least one uppercase letter, one lowercase letter, and one digit")
	}

	return nil
}

// generateUsername derives a username from the email local part plus a
// random base62 suffix to avoid collisions.
func generateUsername(email string) (string, error) {
	prefix, _, _ := strings.Cut(email, "@")
	if prefix == "" {
		prefix = email
	}

	suffix, err := extid.Random(usernameSuffixLen)
	if err != nil {
		return "", err
	}
	return prefix + suffix, nil
}
