package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

type challengeRepo struct {
	db DBTX
}

// NewChallengeRepo creates a new ChallengeRepo instance
func NewChallengeRepo(db DBTX) ChallengeRepo {
	return &challengeRepo{db: db}
}

// Create inserts a PENDING challenge
func (r *challengeRepo) Create(ctx context.Context, c model.AuthChallenge) (model.AuthChallenge, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Status = model.ChallengePending
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO auth_challenges (id, device_id, purpose, nonce, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, c.ID, c.DeviceID, c.Purpose, c.Nonce, c.Status, c.ExpiresAt).Scan(&c.CreatedAt)
	if err != nil {
		return model.AuthChallenge{}, fmt.Errorf("insert challenge: %w", err)
	}
	return c, nil
}

// GetByID retrieves a challenge by ID
func (r *challengeRepo) GetByID(ctx context.Context, id uuid.UUID) (model.AuthChallenge, error) {
	var c model.AuthChallenge
	err := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, purpose, nonce, status, expires_at, used_at, created_at
		FROM auth_challenges
		WHERE id = $1
	`, id).Scan(
		&c.ID,
		&c.DeviceID,
		&c.Purpose,
		&c.Nonce,
		&c.Status,
		&c.ExpiresAt,
		&c.UsedAt,
		&c.CreatedAt,
	)
	if err != nil {
		return model.AuthChallenge{}, notFound("challenge", err)
	}
	return c, nil
}

// MarkUsed is the conditional PENDING -> USED transition.
func (r *challengeRepo) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE auth_challenges
		SET status = $2, used_at = $3
		WHERE id = $1 AND status = $4 AND expires_at > $3
	`, id, model.ChallengeUsed, at, model.ChallengePending)
	if err != nil {
		return false, fmt.Errorf("mark challenge used: %w", err)
	}
	return affected(result)
}

// MarkExpired moves a PENDING challenge to EXPIRED
func (r *challengeRepo) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_challenges SET status = $2 WHERE id = $1 AND status = $3
	`, id, model.ChallengeExpired, model.ChallengePending)
	if err != nil {
		return fmt.Errorf("mark challenge expired: %w", err)
	}
	return nil
}
