package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

const sessionColumns = `id, user_id, device_id, refresh_token_hash, status, expires_at, last_revalidated_at, revoked_at, created_at`

type sessionRepo struct {
	db DBTX
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(db DBTX) SessionRepo {
	return &sessionRepo{db: db}
}

func scanSession(row rowScanner) (model.Session, error) {
	var s model.Session
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.DeviceID,
		&s.RefreshTokenHash,
		&s.Status,
		&s.ExpiresAt,
		&s.LastRevalidatedAt,
		&s.RevokedAt,
		&s.CreatedAt,
	)
	return s, err
}

// Create inserts a new ACTIVE session
func (r *sessionRepo) Create(ctx context.Context, s model.Session) (model.Session, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Status = model.SessionActive
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, user_id, device_id, refresh_token_hash, status, expires_at, last_revalidated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, s.ID, s.UserID, s.DeviceID, s.RefreshTokenHash, s.Status, s.ExpiresAt, s.LastRevalidatedAt).Scan(&s.CreatedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// GetByID retrieves a session in any status
func (r *sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return model.Session{}, notFound("session", err)
	}
	return s, nil
}

// GetByRefreshHash returns the session whose current refresh hash matches, in any status
func (r *sessionRepo) GetByRefreshHash(ctx context.Context, hash string) (model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE refresh_token_hash = $1
	`, hash))
	if err != nil {
		return model.Session{}, notFound("session", err)
	}
	return s, nil
}

// Rotate replaces the refresh hash and extends expiry if oldHash is still current
func (r *sessionRepo) Rotate(ctx context.Context, id uuid.UUID, oldHash, newHash string, expiresAt, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET refresh_token_hash = $3, expires_at = $4
		WHERE id = $1 AND refresh_token_hash = $2 AND status = $5 AND expires_at > $6
	`, id, oldHash, newHash, expiresAt, model.SessionActive, now)
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	return affected(result)
}

// TouchRevalidated stamps last_revalidated_at on an ACTIVE session
func (r *sessionRepo) TouchRevalidated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_revalidated_at = $2 WHERE id = $1 AND status = $3
	`, id, at, model.SessionActive)
	if err != nil {
		return false, fmt.Errorf("touch revalidated: %w", err)
	}
	return affected(result)
}

// Revoke sets revoked_at for an ACTIVE session
func (r *sessionRepo) Revoke(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, revoked_at = $3 WHERE id = $1 AND status = $4
	`, id, model.SessionRevoked, at, model.SessionActive)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	return affected(result)
}

// RevokeByDevice revokes every ACTIVE session of the device; returns how many were revoked
func (r *sessionRepo) RevokeByDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, revoked_at = $3 WHERE device_id = $1 AND status = $4
	`, deviceID, model.SessionRevoked, at, model.SessionActive)
	if err != nil {
		return 0, fmt.Errorf("revoke device sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
