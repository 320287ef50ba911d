package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/pkg/database"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// IdempotencyRepository implements repository.IdempotencyRepository using
// PostgreSQL. It is the durable store of record; the redis cache sits in
// front of it.
type IdempotencyRepository struct {
	pool database.DBTX
}

// NewIdempotencyRepository creates a new PostgreSQL-backed idempotency repository.
func NewIdempotencyRepository(pool database.DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

const idempotencyColumns = `idempotency_key, request_fingerprint, response_status,
	response_body, response_headers, expires_at, created_at`

// Create persists the captured response of a first execution. An expired row
// still occupying the key is replaced; a live row under the key means another
// execution already stored its response, reported as a duplicate.
func (r *IdempotencyRepository) Create(ctx context.Context, rec *domain.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_records (
			idempotency_key, request_fingerprint, response_status,
			response_body, response_headers, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			request_fingerprint = EXCLUDED.request_fingerprint,
			response_status = EXCLUDED.response_status,
			response_body = EXCLUDED.response_body,
			response_headers = EXCLUDED.response_headers,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
		WHERE idempotency_records.expires_at < EXCLUDED.created_at`

	headers, err := json.Marshal(rec.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	ctx, end := database.TraceQuery(ctx, "Idempotency.Create", query)
	ct, err := r.pool.Exec(ctx, query,
		rec.IdempotencyKey,
		rec.RequestFingerprint,
		rec.ResponseStatus,
		rec.ResponseBody,
		headers,
		rec.ExpiresAt,
		rec.CreatedAt,
	)
	end(err)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.DuplicateInFlight(rec.IdempotencyKey)
	}

	return nil
}

// GetByKey retrieves the record stored under the key regardless of
// fingerprint, so callers can tell a replay apart from key reuse.
func (r *IdempotencyRepository) GetByKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT ` + idempotencyColumns + ` FROM idempotency_records WHERE idempotency_key = $1`

	ctx, end := database.TraceQuery(ctx, "Idempotency.GetByKey", query)
	rows, err := r.pool.Query(ctx, query, key)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("query idempotency record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query idempotency record: %w", err)
		}
		return nil, apperrors.NotFound("idempotency_record", key)
	}

	return scanIdempotencyRow(rows)
}

// DeleteExpiredBefore sweeps records whose expiry has passed.
func (r *IdempotencyRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM idempotency_records WHERE expires_at < $1`

	ctx, end := database.TraceQuery(ctx, "Idempotency.DeleteExpiredBefore", query)
	ct, err := r.pool.Exec(ctx, query, cutoff)
	end(err)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	return ct.RowsAffected(), nil
}

func scanIdempotencyRow(row pgx.Rows) (*domain.IdempotencyRecord, error) {
	var (
		rec     domain.IdempotencyRecord
		headers []byte
	)

	if err := row.Scan(
		&rec.IdempotencyKey,
		&rec.RequestFingerprint,
		&rec.ResponseStatus,
		&rec.ResponseBody,
		&headers,
		&rec.ExpiresAt,
		&rec.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan idempotency record row: %w", err)
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal response headers: %w", err)
		}
	}

	return &rec, nil
}
