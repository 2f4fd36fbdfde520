package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

type otpRepo struct {
	db DBTX
}

// NewOtpRepo creates a new OtpRepo instance
func NewOtpRepo(db DBTX) OtpRepo {
	return &otpRepo{db: db}
}

// InvalidatePending expires every open code for phone+purpose so only the newest one can verify.
func (r *otpRepo) InvalidatePending(ctx context.Context, phone string, purpose model.OtpPurpose, now time.Time) error {
	// Serialize issuance per phone+purpose; released on COMMIT/ROLLBACK.
	_, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, phone+":"+string(purpose))
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE otp_verifications
		SET expires_at = $3
		WHERE phone_number = $1 AND purpose = $2 AND verified_at IS NULL AND expires_at > $3
	`, phone, purpose, now)
	if err != nil {
		return fmt.Errorf("invalidate pending otps: %w", err)
	}
	return nil
}

// Create inserts a new OTP record
func (r *otpRepo) Create(ctx context.Context, otp model.OtpVerification) (model.OtpVerification, error) {
	if otp.ID == uuid.Nil {
		otp.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO otp_verifications (id, phone_number, purpose, code_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, otp.ID, otp.PhoneNumber, otp.Purpose, otp.CodeHash, otp.ExpiresAt).Scan(&otp.CreatedAt)
	if err != nil {
		return model.OtpVerification{}, fmt.Errorf("insert otp: %w", err)
	}
	return otp, nil
}

// GetByID returns the OTP record regardless of state
func (r *otpRepo) GetByID(ctx context.Context, id uuid.UUID) (model.OtpVerification, error) {
	var otp model.OtpVerification
	err := r.db.QueryRowContext(ctx, `
		SELECT id, phone_number, purpose, code_hash, expires_at, verified_at, attempt_count, created_at
		FROM otp_verifications
		WHERE id = $1
	`, id).Scan(
		&otp.ID,
		&otp.PhoneNumber,
		&otp.Purpose,
		&otp.CodeHash,
		&otp.ExpiresAt,
		&otp.VerifiedAt,
		&otp.AttemptCount,
		&otp.CreatedAt,
	)
	if err != nil {
		return model.OtpVerification{}, notFound("otp", err)
	}
	return otp, nil
}

// IncrementAttempt sets attempt_count = attempt_count + 1; returns the new attempt_count.
func (r *otpRepo) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var newCount int
	err := r.db.QueryRowContext(ctx, `
		UPDATE otp_verifications
		SET attempt_count = attempt_count + 1
		WHERE id = $1
		RETURNING attempt_count
	`, id).Scan(&newCount)
	if err != nil {
		return 0, notFound("otp", err)
	}
	return newCount, nil
}

// MarkVerified sets verified_at only while the code is still open.
func (r *otpRepo) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE otp_verifications
		SET verified_at = $2
		WHERE id = $1 AND verified_at IS NULL AND expires_at > $2
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark verified: %w", err)
	}
	return affected(result)
}
