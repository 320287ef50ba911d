package postgres

import (
	"context"
	"fmt"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/pkg/database"
)

// DeviceRepository implements repository.DeviceRepository using PostgreSQL.
type DeviceRepository struct {
	pool database.DBTX
}

// NewDeviceRepository creates a new PostgreSQL-backed device repository.
func NewDeviceRepository(pool database.DBTX) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

// FindAll returns every device registered to the account.
func (r *DeviceRepository) FindAll(ctx context.Context, accountID string) ([]domain.Device, error) {
	query := `
		SELECT id, account_id, fingerprint, label, last_seen_at, created_at
		FROM devices WHERE account_id = $1
		ORDER BY created_at ASC`

	ctx, end := database.TraceQuery(ctx, "Device.FindAll", query)
	rows, err := r.pool.Query(ctx, query, accountID)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		var (
			device domain.Device
			label  *string
		)
		if err := rows.Scan(
			&device.ID,
			&device.AccountID,
			&device.Fingerprint,
			&label,
			&device.LastSeenAt,
			&device.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		if label != nil {
			device.Label = *label
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// Remove deletes a device registration. Removing a device that is already
// gone is a no-op.
func (r *DeviceRepository) Remove(ctx context.Context, deviceID string) error {
	query := `DELETE FROM devices WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "Device.Remove", query)
	_, err := r.pool.Exec(ctx, query, deviceID)
	end(err)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	return nil
}
