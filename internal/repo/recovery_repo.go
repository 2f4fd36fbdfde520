package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

type recoveryCodeRepo struct {
	db DBTX
}

// NewRecoveryCodeRepo creates a new RecoveryCodeRepo instance
func NewRecoveryCodeRepo(db DBTX) RecoveryCodeRepo {
	return &recoveryCodeRepo{db: db}
}

// ReplaceUnused drops the user's unused codes and inserts the new batch
func (r *recoveryCodeRepo) ReplaceUnused(ctx context.Context, userID uuid.UUID, hashes []string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM recovery_codes WHERE user_id = $1 AND used_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("delete unused recovery codes: %w", err)
	}

	for _, h := range hashes {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO recovery_codes (id, user_id, code_hash, created_at)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), userID, h, at)
		if err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}
	return nil
}

// GetByHash retrieves a recovery code by its hash
func (r *recoveryCodeRepo) GetByHash(ctx context.Context, hash string) (model.RecoveryCode, error) {
	var c model.RecoveryCode
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, code_hash, used_at, created_at
		FROM recovery_codes
		WHERE code_hash = $1
	`, hash).Scan(&c.ID, &c.UserID, &c.CodeHash, &c.UsedAt, &c.CreatedAt)
	if err != nil {
		return model.RecoveryCode{}, notFound("recovery code", err)
	}
	return c, nil
}

// MarkUsed consumes the code; false when it was already used
func (r *recoveryCodeRepo) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE recovery_codes SET used_at = $2 WHERE id = $1 AND used_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark recovery code used: %w", err)
	}
	return affected(result)
}

// CountUnused returns how many codes the user still has
func (r *recoveryCodeRepo) CountUnused(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recovery_codes WHERE user_id = $1 AND used_at IS NULL
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recovery codes: %w", err)
	}
	return n, nil
}
