package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/pkg/database"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// AccountRepository implements repository.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool database.DBTX
}

// NewAccountRepository creates a new PostgreSQL-backed account repository.
func NewAccountRepository(pool database.DBTX) *AccountRepository {
	return &AccountRepository{pool: pool}
}

const accountColumns = `id, external_id, email, username, password_hash, provider,
	is_active, created_at, updated_at`

// BeginSerializable opens a SERIALIZABLE transaction. The registration
// workflow creates accounts under this isolation level so two concurrent
// registrations for the same email cannot both commit.
func (r *AccountRepository) BeginSerializable(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin serializable tx: %w", err)
	}
	return tx, nil
}

// Create inserts an account inside the caller's transaction.
func (r *AccountRepository) Create(ctx context.Context, tx pgx.Tx, account *domain.Account) error {
	query := `
		INSERT INTO accounts (
			id, external_id, email, username, password_hash, provider,
			is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	ctx, end := database.TraceQuery(ctx, "Account.Create", query)
	_, err := tx.Exec(ctx, query,
		account.ID,
		account.ExternalID,
		account.Email,
		account.Username,
		account.PasswordHash,
		account.Provider,
		account.IsActive,
		account.CreatedAt,
		account.UpdatedAt,
	)
	end(err)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("account", "email", account.Email)
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

// FindByID retrieves an account by its primary ID.
func (r *AccountRepository) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "Account.FindByID", query)
	rows, err := r.pool.Query(ctx, query, id)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query account: %w", err)
		}
		return nil, apperrors.NotFound("account", id)
	}

	var account domain.Account
	if err := rows.Scan(
		&account.ID,
		&account.ExternalID,
		&account.Email,
		&account.Username,
		&account.PasswordHash,
		&account.Provider,
		&account.IsActive,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}

	return &account, nil
}

// Delete removes an account row. Deleting an already-deleted account is not
// an error so the deletion saga step stays re-runnable.
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM accounts WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "Account.Delete", query)
	_, err := r.pool.Exec(ctx, query, id)
	end(err)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	return nil
}

// ExternalIDExists reports whether the external ID is already taken.
func (r *AccountRepository) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM accounts WHERE external_id = $1)`

	ctx, end := database.TraceQuery(ctx, "Account.ExternalIDExists", query)
	var exists bool
	err := r.pool.QueryRow(ctx, query, externalID).Scan(&exists)
	end(err)
	if err != nil {
		return false, fmt.Errorf("check external id: %w", err)
	}

	return exists, nil
}
