package model

import (
	"time"

	"github.com/google/uuid"
)

// DeviceStatus is the lifecycle state of a device
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "ACTIVE"
	DeviceRevoked DeviceStatus = "REVOKED"
)

// MaxActiveDevices is the number of devices a user may have ACTIVE at once
const MaxActiveDevices = 2

// OtpPurpose separates registration codes from recovery codes
type OtpPurpose string

const (
	OtpAuth     OtpPurpose = "AUTH"
	OtpRecovery OtpPurpose = "RECOVERY"
)

// ChallengePurpose selects what a confirmed challenge produces
type ChallengePurpose string

const (
	ChallengeLogin      ChallengePurpose = "LOGIN"
	ChallengeRevalidate ChallengePurpose = "REVALIDATE"
)

// ChallengeStatus is the state of an auth challenge
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "PENDING"
	ChallengeUsed    ChallengeStatus = "USED"
	ChallengeExpired ChallengeStatus = "EXPIRED"
)

// SessionStatus is the state of a session
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionRevoked SessionStatus = "REVOKED"
)

// ConsentStatus is the state of a consent request
type ConsentStatus string

const (
	ConsentPending  ConsentStatus = "PENDING"
	ConsentApproved ConsentStatus = "APPROVED"
	ConsentDenied   ConsentStatus = "DENIED"
	ConsentExpired  ConsentStatus = "EXPIRED"
)

// User represents a user in the system
type User struct {
	ID          uuid.UUID
	PhoneNumber string
	CreatedAt   time.Time
}

// Device represents a device belonging to a user
type Device struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Fingerprint string
	PublicKey   string
	DeviceName  string
	Status      DeviceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OtpVerification represents a one-time code sent to a phone number
type OtpVerification struct {
	ID           uuid.UUID
	PhoneNumber  string
	Purpose      OtpPurpose
	CodeHash     string
	ExpiresAt    time.Time
	VerifiedAt   *time.Time
	AttemptCount int
	CreatedAt    time.Time
}

// AuthChallenge is a nonce a device must sign to prove key possession
type AuthChallenge struct {
	ID        uuid.UUID
	DeviceID  uuid.UUID
	Purpose   ChallengePurpose
	Nonce     string
	Status    ChallengeStatus
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Session represents a refresh-token session bound to one device
type Session struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	DeviceID          uuid.UUID
	RefreshTokenHash  string
	Status            SessionStatus
	ExpiresAt         time.Time
	LastRevalidatedAt time.Time
	RevokedAt         *time.Time
	CreatedAt         time.Time
}

// RecoveryCode is a hashed single-use backup code
type RecoveryCode struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Provider is an external relying party that asks users for attributes
type Provider struct {
	ID            uuid.UUID
	Name          string
	APIKeyHash    string
	RedirectURI   string
	WebhookURL    string
	WebhookSecret string
	CreatedAt     time.Time

	// APIKey is the plaintext key, set only on the value CreateProvider returns
	APIKey string
}

// ConsentRequest is a provider's ask for a set of user attributes
type ConsentRequest struct {
	ID                  uuid.UUID
	ProviderID          uuid.UUID
	UserID              *uuid.UUID
	RequestedAttributes []string
	Status              ConsentStatus
	Token               string
	ExpiresAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ConsentDecision records how a consent request was decided
type ConsentDecision struct {
	ID                 uuid.UUID
	ConsentRequestID   uuid.UUID
	ApprovedAttributes []string
	DeniedAttributes   []string
	DecidedAt          time.Time
}

// AuditEntry is an append-only audit record
type AuditEntry struct {
	ID        uuid.UUID
	Action    AuditAction
	UserID    *uuid.UUID
	DeviceID  *uuid.UUID
	Metadata  map[string]any
	CreatedAt time.Time
}
