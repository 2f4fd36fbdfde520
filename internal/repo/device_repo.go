package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

const deviceColumns = `id, user_id, fingerprint, public_key, device_name, status, created_at, updated_at`

type deviceRepo struct {
	db DBTX
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db DBTX) DeviceRepo {
	return &deviceRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Fingerprint,
		&d.PublicKey,
		&d.DeviceName,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

// LockUser takes a transaction-scoped advisory lock on the user so concurrent
// registrations for the same user queue instead of racing the active-device count.
func (r *deviceRepo) LockUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, userID.String())
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// GetByID retrieves a device by ID
func (r *deviceRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, notFound("device", err)
	}
	return d, nil
}

// GetByFingerprint retrieves the user's device with the given fingerprint, in any status
func (r *deviceRepo) GetByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE user_id = $1 AND fingerprint = $2
	`, userID, fingerprint)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, notFound("device", err)
	}
	return d, nil
}

// CountActive returns the number of ACTIVE devices for the user
func (r *deviceRepo) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM devices WHERE user_id = $1 AND status = $2
	`, userID, model.DeviceActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return count, nil
}

// ListByUser returns all devices of the user, newest first
func (r *deviceRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Create creates a new device for a user
func (r *deviceRepo) Create(ctx context.Context, device model.Device) (model.Device, error) {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.Status == "" {
		device.Status = model.DeviceActive
	}
	query := `
		INSERT INTO devices (id, user_id, fingerprint, public_key, device_name, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		device.ID, device.UserID, device.Fingerprint, device.PublicKey, device.DeviceName, device.Status,
	).Scan(&device.CreatedAt, &device.UpdatedAt)
	if err != nil {
		return model.Device{}, fmt.Errorf("failed to create device: %w", err)
	}
	return device, nil
}

// Reactivate sets a device ACTIVE again and overwrites its key material
func (r *deviceRepo) Reactivate(ctx context.Context, id uuid.UUID, publicKey, deviceName string, at time.Time) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE devices
		SET status = $2, public_key = $3, device_name = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+deviceColumns,
		id, model.DeviceActive, publicKey, deviceName, at,
	)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, notFound("device", err)
	}
	return d, nil
}

// Revoke sets the device REVOKED
func (r *deviceRepo) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET status = $2, updated_at = $3 WHERE id = $1
	`, id, model.DeviceRevoked, at)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("device: %w", ErrNotFound)
	}
	return nil
}
