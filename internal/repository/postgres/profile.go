package postgres

import (
	"context"
	"fmt"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/pkg/database"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// ProfileRepository implements repository.ProfileRepository using PostgreSQL.
type ProfileRepository struct {
	pool database.DBTX
}

// NewProfileRepository creates a new PostgreSQL-backed profile repository.
func NewProfileRepository(pool database.DBTX) *ProfileRepository {
	return &ProfileRepository{pool: pool}
}

// Create inserts a profile for an account.
func (r *ProfileRepository) Create(ctx context.Context, profile *domain.Profile) error {
	query := `
		INSERT INTO profiles (account_id, name, picture, bio, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	ctx, end := database.TraceQuery(ctx, "Profile.Create", query)
	_, err := r.pool.Exec(ctx, query,
		profile.AccountID,
		profile.Name,
		nullableString(profile.Picture),
		nullableString(profile.Bio),
		profile.CreatedAt,
		profile.UpdatedAt,
	)
	end(err)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("profile", "account_id", profile.AccountID)
		}
		return fmt.Errorf("insert profile: %w", err)
	}

	return nil
}

// FindByAccountID retrieves the profile owned by an account.
func (r *ProfileRepository) FindByAccountID(ctx context.Context, accountID string) (*domain.Profile, error) {
	query := `
		SELECT account_id, name, picture, bio, created_at, updated_at
		FROM profiles WHERE account_id = $1`

	ctx, end := database.TraceQuery(ctx, "Profile.FindByAccountID", query)
	rows, err := r.pool.Query(ctx, query, accountID)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query profile: %w", err)
		}
		return nil, apperrors.NotFound("profile", accountID)
	}

	var (
		profile domain.Profile
		picture *string
		bio     *string
	)
	if err := rows.Scan(
		&profile.AccountID,
		&profile.Name,
		&picture,
		&bio,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}
	if picture != nil {
		profile.Picture = *picture
	}
	if bio != nil {
		profile.Bio = *bio
	}

	return &profile, nil
}

// Delete removes the account's profile. Missing profiles are not an error so
// both the registration compensation and the deletion saga stay re-runnable.
func (r *ProfileRepository) Delete(ctx context.Context, accountID string) error {
	query := `DELETE FROM profiles WHERE account_id = $1`

	ctx, end := database.TraceQuery(ctx, "Profile.Delete", query)
	_, err := r.pool.Exec(ctx, query, accountID)
	end(err)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}

	return nil
}
