package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/utafrali/identity/pkg/database"
)

// SessionRepository implements repository.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool database.DBTX
}

// NewSessionRepository creates a new PostgreSQL-backed session repository.
func NewSessionRepository(pool database.DBTX) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// RevokeAllForAccount revokes every active session of the account and returns
// how many were revoked. Zero active sessions is a valid outcome, not an
// error, which keeps the deletion saga's first step re-runnable.
func (r *SessionRepository) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	query := `
		UPDATE sessions SET revoked_at = $1
		WHERE account_id = $2 AND revoked_at IS NULL`

	ctx, end := database.TraceQuery(ctx, "Session.RevokeAllForAccount", query)
	ct, err := r.pool.Exec(ctx, query, time.Now().UTC(), accountID)
	end(err)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}

	return ct.RowsAffected(), nil
}
