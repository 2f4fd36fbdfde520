package auth

import (
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

// Identity is the authenticated caller: either a RegistrationIdentity or a SessionIdentity.
type Identity interface {
	UserID() uuid.UUID
	identity()
}

// RegistrationIdentity comes from a registration token. It can only register devices.
type RegistrationIdentity struct {
	User uuid.UUID
}

func (r RegistrationIdentity) UserID() uuid.UUID { return r.User }
func (RegistrationIdentity) identity()           {}

// SessionIdentity comes from an access token whose session and device are still ACTIVE.
type SessionIdentity struct {
	User              uuid.UUID
	Device            uuid.UUID
	Session           uuid.UUID
	LastRevalidatedAt time.Time
}

func (s SessionIdentity) UserID() uuid.UUID { return s.User }
func (SessionIdentity) identity()           {}

// RevalidationDue reports whether the session has gone longer than window without revalidating.
// The boundary instant itself is still valid.
func (s SessionIdentity) RevalidationDue(now time.Time, window time.Duration) bool {
	return now.After(s.LastRevalidatedAt.Add(window))
}

// CheckRevalidation returns model.ErrRevalidationRequired once the window has elapsed.
func (s SessionIdentity) CheckRevalidation(now time.Time, window time.Duration) error {
	if s.RevalidationDue(now, window) {
		return model.Errorf(model.KindRevalidationRequired, "session must be revalidated")
	}
	return nil
}

// RequireSession narrows id to a SessionIdentity or fails Forbidden.
func RequireSession(id Identity) (SessionIdentity, error) {
	s, ok := id.(SessionIdentity)
	if !ok {
		return SessionIdentity{}, model.Errorf(model.KindForbidden, "a device session is required")
	}
	return s, nil
}
