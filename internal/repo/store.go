package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/devicekey/server/internal/model"
)

// ErrNotFound is wrapped by every repository lookup that matches no row.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	GetOrCreateByPhone(ctx context.Context, phone string) (model.User, error)
}

// DeviceRepo defines the interface for device repository operations
type DeviceRepo interface {
	// LockUser serializes device writes for one user until the surrounding transaction ends.
	LockUser(ctx context.Context, userID uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Device, error)
	GetByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (model.Device, error)
	CountActive(ctx context.Context, userID uuid.UUID) (int, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Device, error)
	Create(ctx context.Context, device model.Device) (model.Device, error)
	Reactivate(ctx context.Context, id uuid.UUID, publicKey, deviceName string, at time.Time) (model.Device, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
}

// OtpRepo defines the interface for OTP verification repository operations
type OtpRepo interface {
	// InvalidatePending forces expires_at = now on every unverified, unexpired code for phone+purpose.
	InvalidatePending(ctx context.Context, phone string, purpose model.OtpPurpose, now time.Time) error
	Create(ctx context.Context, otp model.OtpVerification) (model.OtpVerification, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.OtpVerification, error)
	IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error)
	// MarkVerified consumes the code; false when it was already consumed or has expired.
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// ChallengeRepo defines the interface for auth challenge repository operations
type ChallengeRepo interface {
	Create(ctx context.Context, challenge model.AuthChallenge) (model.AuthChallenge, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.AuthChallenge, error)
	// MarkUsed moves PENDING -> USED only while unexpired; false means another caller won or it expired.
	MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID) error
}

// SessionRepo defines the interface for session repository operations
type SessionRepo interface {
	Create(ctx context.Context, session model.Session) (model.Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Session, error)
	GetByRefreshHash(ctx context.Context, hash string) (model.Session, error)
	// Rotate swaps the refresh hash only if oldHash is still current and the session is ACTIVE and unexpired.
	Rotate(ctx context.Context, id uuid.UUID, oldHash, newHash string, expiresAt, now time.Time) (bool, error)
	TouchRevalidated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	RevokeByDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) (int, error)
}

// RecoveryCodeRepo defines the interface for recovery code repository operations
type RecoveryCodeRepo interface {
	// ReplaceUnused deletes every unused code for the user and stores the new hashes.
	ReplaceUnused(ctx context.Context, userID uuid.UUID, hashes []string, at time.Time) error
	GetByHash(ctx context.Context, hash string) (model.RecoveryCode, error)
	MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	CountUnused(ctx context.Context, userID uuid.UUID) (int, error)
}

// ProviderRepo defines the interface for relying-party repository operations
type ProviderRepo interface {
	Create(ctx context.Context, provider model.Provider) (model.Provider, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Provider, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (model.Provider, error)
}

// ConsentRepo defines the interface for consent request repository operations
type ConsentRepo interface {
	Create(ctx context.Context, req model.ConsentRequest) (model.ConsentRequest, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.ConsentRequest, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, limit int) ([]model.ConsentRequest, error)
	MarkExpired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// Decide moves a PENDING, unexpired request to status and binds it to userID.
	// It fails (false) when the request is bound to a different user.
	Decide(ctx context.Context, id uuid.UUID, status model.ConsentStatus, userID uuid.UUID, at time.Time) (bool, error)
	CreateDecision(ctx context.Context, decision model.ConsentDecision) (model.ConsentDecision, error)
	GetDecision(ctx context.Context, consentRequestID uuid.UUID) (model.ConsentDecision, error)
}

// AuditRepo defines the interface for the append-only audit log
type AuditRepo interface {
	Insert(ctx context.Context, entry model.AuditEntry) error
	// CountRecent counts entries with one of actions whose metadata[metaKey] == metaValue since the given time.
	CountRecent(ctx context.Context, actions []model.AuditAction, metaKey, metaValue string, since time.Time) (int, error)
}

// Repos groups every repository bound to one connection or transaction.
type Repos interface {
	Users() UserRepo
	Devices() DeviceRepo
	Otps() OtpRepo
	Challenges() ChallengeRepo
	Sessions() SessionRepo
	RecoveryCodes() RecoveryCodeRepo
	Providers() ProviderRepo
	Consents() ConsentRepo
	Audit() AuditRepo
}

// Store is the transactional store consumed by every service.
type Store interface {
	Repos
	// WithTx runs fn inside one serializable transaction. fn must only use the Repos it is given.
	// A nil return commits; any error rolls back and is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Repos) error) error
}

const maxTxAttempts = 3

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db *sql.DB
	q  DBTX
}

// NewStore creates a Store backed by db
func NewStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, q: db}
}

func (s *PGStore) Users() UserRepo                 { return NewUserRepo(s.q) }
func (s *PGStore) Devices() DeviceRepo             { return NewDeviceRepo(s.q) }
func (s *PGStore) Otps() OtpRepo                   { return NewOtpRepo(s.q) }
func (s *PGStore) Challenges() ChallengeRepo       { return NewChallengeRepo(s.q) }
func (s *PGStore) Sessions() SessionRepo           { return NewSessionRepo(s.q) }
func (s *PGStore) RecoveryCodes() RecoveryCodeRepo { return NewRecoveryCodeRepo(s.q) }
func (s *PGStore) Providers() ProviderRepo         { return NewProviderRepo(s.q) }
func (s *PGStore) Consents() ConsentRepo           { return NewConsentRepo(s.q) }
func (s *PGStore) Audit() AuditRepo                { return NewAuditRepo(s.q) }

// WithTx runs fn at SERIALIZABLE isolation and retries serialization failures.
func (s *PGStore) WithTx(ctx context.Context, fn func(tx Repos) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *PGStore) runTx(ctx context.Context, fn func(tx Repos) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&PGStore{db: s.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func notFound(entity string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", entity, err)
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
