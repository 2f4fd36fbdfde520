package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

type userRepo struct {
	db DBTX
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db DBTX) UserRepo {
	return &userRepo{db: db}
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `
		SELECT id, phone_number, created_at
		FROM users
		WHERE id = $1
	`
	var user model.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.PhoneNumber,
		&user.CreatedAt,
	)
	if err != nil {
		return model.User{}, notFound("user", err)
	}
	return user, nil
}

// GetOrCreateByPhone retrieves a user by phone number or creates one if it doesn't exist
func (r *userRepo) GetOrCreateByPhone(ctx context.Context, phone string) (model.User, error) {
	// Insert first; a concurrent insert for the same phone falls through to the select.
	query := `
		INSERT INTO users (id, phone_number)
		VALUES ($1, $2)
		ON CONFLICT (phone_number) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, uuid.New(), phone)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}

	return r.GetByPhone(ctx, phone)
}

// GetByPhone retrieves a user by phone number
func (r *userRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	query := `
		SELECT id, phone_number, created_at
		FROM users
		WHERE phone_number = $1
	`

	var user model.User
	err := r.db.QueryRowContext(ctx, query, phone).Scan(
		&user.ID,
		&user.PhoneNumber,
		&user.CreatedAt,
	)
	if err != nil {
		return model.User{}, notFound("user", err)
	}

	return user, nil
}
