package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo"
)

func missing(entity string) error {
	return fmt.Errorf("%s: %w", entity, repo.ErrNotFound)
}

// users

type userRepo struct{ v view }

func (r userRepo) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	var out model.User
	err := r.v.do(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return missing("user")
		}
		out = u
		return nil
	})
	return out, err
}

func (r userRepo) GetByPhone(_ context.Context, phone string) (model.User, error) {
	var out model.User
	err := r.v.do(func(st *state) error {
		for _, u := range st.users {
			if u.PhoneNumber == phone {
				out = u
				return nil
			}
		}
		return missing("user")
	})
	return out, err
}

func (r userRepo) GetOrCreateByPhone(_ context.Context, phone string) (model.User, error) {
	var out model.User
	err := r.v.do(func(st *state) error {
		for _, u := range st.users {
			if u.PhoneNumber == phone {
				out = u
				return nil
			}
		}
		out = model.User{ID: uuid.New(), PhoneNumber: phone, CreatedAt: r.v.now()}
		st.users[out.ID] = out
		return nil
	})
	return out, err
}

// devices

type deviceRepo struct{ v view }

// LockUser is a no-op: transactions are already serialized.
func (r deviceRepo) LockUser(context.Context, uuid.UUID) error { return nil }

func (r deviceRepo) GetByID(_ context.Context, id uuid.UUID) (model.Device, error) {
	var out model.Device
	err := r.v.do(func(st *state) error {
		d, ok := st.devices[id]
		if !ok {
			return missing("device")
		}
		out = d
		return nil
	})
	return out, err
}

func (r deviceRepo) GetByFingerprint(_ context.Context, userID uuid.UUID, fingerprint string) (model.Device, error) {
	var out model.Device
	err := r.v.do(func(st *state) error {
		for _, d := range st.devices {
			if d.UserID == userID && d.Fingerprint == fingerprint {
				out = d
				return nil
			}
		}
		return missing("device")
	})
	return out, err
}

func (r deviceRepo) CountActive(_ context.Context, userID uuid.UUID) (int, error) {
	n := 0
	err := r.v.do(func(st *state) error {
		for _, d := range st.devices {
			if d.UserID == userID && d.Status == model.DeviceActive {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r deviceRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]model.Device, error) {
	var out []model.Device
	err := r.v.do(func(st *state) error {
		for _, d := range st.devices {
			if d.UserID == userID {
				out = append(out, d)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (r deviceRepo) Create(_ context.Context, d model.Device) (model.Device, error) {
	err := r.v.do(func(st *state) error {
		for _, existing := range st.devices {
			if existing.UserID == d.UserID && existing.Fingerprint == d.Fingerprint {
				return fmt.Errorf("duplicate device fingerprint for user")
			}
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		if d.Status == "" {
			d.Status = model.DeviceActive
		}
		d.CreatedAt = r.v.now()
		d.UpdatedAt = d.CreatedAt
		st.devices[d.ID] = d
		return nil
	})
	if err != nil {
		return model.Device{}, err
	}
	return d, nil
}

func (r deviceRepo) Reactivate(_ context.Context, id uuid.UUID, publicKey, deviceName string, at time.Time) (model.Device, error) {
	var out model.Device
	err := r.v.do(func(st *state) error {
		d, ok := st.devices[id]
		if !ok {
			return missing("device")
		}
		d.Status = model.DeviceActive
		d.PublicKey = publicKey
		d.DeviceName = deviceName
		d.UpdatedAt = at
		st.devices[id] = d
		out = d
		return nil
	})
	return out, err
}

func (r deviceRepo) Revoke(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.v.do(func(st *state) error {
		d, ok := st.devices[id]
		if !ok {
			return missing("device")
		}
		d.Status = model.DeviceRevoked
		d.UpdatedAt = at
		st.devices[id] = d
		return nil
	})
}

// otps

type otpRepo struct{ v view }

func (r otpRepo) InvalidatePending(_ context.Context, phone string, purpose model.OtpPurpose, now time.Time) error {
	return r.v.do(func(st *state) error {
		for id, o := range st.otps {
			if o.PhoneNumber == phone && o.Purpose == purpose && o.VerifiedAt == nil && o.ExpiresAt.After(now) {
				o.ExpiresAt = now
				st.otps[id] = o
			}
		}
		return nil
	})
}

func (r otpRepo) Create(_ context.Context, o model.OtpVerification) (model.OtpVerification, error) {
	err := r.v.do(func(st *state) error {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		o.CreatedAt = r.v.now()
		st.otps[o.ID] = o
		return nil
	})
	return o, err
}

func (r otpRepo) GetByID(_ context.Context, id uuid.UUID) (model.OtpVerification, error) {
	var out model.OtpVerification
	err := r.v.do(func(st *state) error {
		o, ok := st.otps[id]
		if !ok {
			return missing("otp")
		}
		out = o
		return nil
	})
	return out, err
}

func (r otpRepo) IncrementAttempt(_ context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.v.do(func(st *state) error {
		o, ok := st.otps[id]
		if !ok {
			return missing("otp")
		}
		o.AttemptCount++
		st.otps[id] = o
		n = o.AttemptCount
		return nil
	})
	return n, err
}

func (r otpRepo) MarkVerified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		o, found := st.otps[id]
		if !found || o.VerifiedAt != nil || !o.ExpiresAt.After(at) {
			return nil
		}
		o.VerifiedAt = &at
		st.otps[id] = o
		ok = true
		return nil
	})
	return ok, err
}

// challenges

type challengeRepo struct{ v view }

func (r challengeRepo) Create(_ context.Context, c model.AuthChallenge) (model.AuthChallenge, error) {
	err := r.v.do(func(st *state) error {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.Status = model.ChallengePending
		c.CreatedAt = r.v.now()
		st.challenges[c.ID] = c
		return nil
	})
	return c, err
}

func (r challengeRepo) GetByID(_ context.Context, id uuid.UUID) (model.AuthChallenge, error) {
	var out model.AuthChallenge
	err := r.v.do(func(st *state) error {
		c, ok := st.challenges[id]
		if !ok {
			return missing("challenge")
		}
		out = c
		return nil
	})
	return out, err
}

func (r challengeRepo) MarkUsed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		c, found := st.challenges[id]
		if !found || c.Status != model.ChallengePending || !c.ExpiresAt.After(at) {
			return nil
		}
		c.Status = model.ChallengeUsed
		c.UsedAt = &at
		st.challenges[id] = c
		ok = true
		return nil
	})
	return ok, err
}

func (r challengeRepo) MarkExpired(_ context.Context, id uuid.UUID) error {
	return r.v.do(func(st *state) error {
		c, found := st.challenges[id]
		if found && c.Status == model.ChallengePending {
			c.Status = model.ChallengeExpired
			st.challenges[id] = c
		}
		return nil
	})
}

// sessions

type sessionRepo struct{ v view }

func (r sessionRepo) Create(_ context.Context, s model.Session) (model.Session, error) {
	err := r.v.do(func(st *state) error {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.Status = model.SessionActive
		s.CreatedAt = r.v.now()
		st.sessions[s.ID] = s
		return nil
	})
	return s, err
}

func (r sessionRepo) GetByID(_ context.Context, id uuid.UUID) (model.Session, error) {
	var out model.Session
	err := r.v.do(func(st *state) error {
		s, ok := st.sessions[id]
		if !ok {
			return missing("session")
		}
		out = s
		return nil
	})
	return out, err
}

func (r sessionRepo) GetByRefreshHash(_ context.Context, hash string) (model.Session, error) {
	var out model.Session
	err := r.v.do(func(st *state) error {
		for _, s := range st.sessions {
			if s.RefreshTokenHash == hash {
				out = s
				return nil
			}
		}
		return missing("session")
	})
	return out, err
}

func (r sessionRepo) Rotate(_ context.Context, id uuid.UUID, oldHash, newHash string, expiresAt, now time.Time) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		s, found := st.sessions[id]
		if !found || s.RefreshTokenHash != oldHash || s.Status != model.SessionActive || !s.ExpiresAt.After(now) {
			return nil
		}
		s.RefreshTokenHash = newHash
		s.ExpiresAt = expiresAt
		st.sessions[id] = s
		ok = true
		return nil
	})
	return ok, err
}

func (r sessionRepo) TouchRevalidated(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		s, found := st.sessions[id]
		if !found || s.Status != model.SessionActive {
			return nil
		}
		s.LastRevalidatedAt = at
		st.sessions[id] = s
		ok = true
		return nil
	})
	return ok, err
}

func (r sessionRepo) Revoke(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		s, found := st.sessions[id]
		if !found || s.Status != model.SessionActive {
			return nil
		}
		s.Status = model.SessionRevoked
		s.RevokedAt = &at
		st.sessions[id] = s
		ok = true
		return nil
	})
	return ok, err
}

func (r sessionRepo) RevokeByDevice(_ context.Context, deviceID uuid.UUID, at time.Time) (int, error) {
	n := 0
	err := r.v.do(func(st *state) error {
		for id, s := range st.sessions {
			if s.DeviceID == deviceID && s.Status == model.SessionActive {
				s.Status = model.SessionRevoked
				s.RevokedAt = &at
				st.sessions[id] = s
				n++
			}
		}
		return nil
	})
	return n, err
}

// recovery codes

type recoveryRepo struct{ v view }

func (r recoveryRepo) ReplaceUnused(_ context.Context, userID uuid.UUID, hashes []string, at time.Time) error {
	return r.v.do(func(st *state) error {
		for id, c := range st.recovery {
			if c.UserID == userID && c.UsedAt == nil {
				delete(st.recovery, id)
			}
		}
		for _, h := range hashes {
			c := model.RecoveryCode{ID: uuid.New(), UserID: userID, CodeHash: h, CreatedAt: at}
			st.recovery[c.ID] = c
		}
		return nil
	})
}

func (r recoveryRepo) GetByHash(_ context.Context, hash string) (model.RecoveryCode, error) {
	var out model.RecoveryCode
	err := r.v.do(func(st *state) error {
		for _, c := range st.recovery {
			if c.CodeHash == hash {
				out = c
				return nil
			}
		}
		return missing("recovery code")
	})
	return out, err
}

func (r recoveryRepo) MarkUsed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		c, found := st.recovery[id]
		if !found || c.UsedAt != nil {
			return nil
		}
		c.UsedAt = &at
		st.recovery[id] = c
		ok = true
		return nil
	})
	return ok, err
}

func (r recoveryRepo) CountUnused(_ context.Context, userID uuid.UUID) (int, error) {
	n := 0
	err := r.v.do(func(st *state) error {
		for _, c := range st.recovery {
			if c.UserID == userID && c.UsedAt == nil {
				n++
			}
		}
		return nil
	})
	return n, err
}

// providers

type providerRepo struct{ v view }

func (r providerRepo) Create(_ context.Context, p model.Provider) (model.Provider, error) {
	err := r.v.do(func(st *state) error {
		for _, existing := range st.providers {
			if existing.APIKeyHash == p.APIKeyHash {
				return fmt.Errorf("duplicate provider api key")
			}
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CreatedAt = r.v.now()
		p.APIKey = ""
		st.providers[p.ID] = p
		return nil
	})
	return p, err
}

func (r providerRepo) GetByID(_ context.Context, id uuid.UUID) (model.Provider, error) {
	var out model.Provider
	err := r.v.do(func(st *state) error {
		p, ok := st.providers[id]
		if !ok {
			return missing("provider")
		}
		out = p
		return nil
	})
	return out, err
}

func (r providerRepo) GetByAPIKeyHash(_ context.Context, hash string) (model.Provider, error) {
	var out model.Provider
	err := r.v.do(func(st *state) error {
		for _, p := range st.providers {
			if p.APIKeyHash == hash {
				out = p
				return nil
			}
		}
		return missing("provider")
	})
	return out, err
}

// consent requests

type consentRepo struct{ v view }

func (r consentRepo) Create(_ context.Context, c model.ConsentRequest) (model.ConsentRequest, error) {
	err := r.v.do(func(st *state) error {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.RequestedAttributes = slices.Clone(c.RequestedAttributes)
		c.Status = model.ConsentPending
		c.CreatedAt = r.v.now()
		c.UpdatedAt = c.CreatedAt
		st.consents[c.ID] = c
		return nil
	})
	return c, err
}

func (r consentRepo) GetByID(_ context.Context, id uuid.UUID) (model.ConsentRequest, error) {
	var out model.ConsentRequest
	err := r.v.do(func(st *state) error {
		c, ok := st.consents[id]
		if !ok {
			return missing("consent request")
		}
		out = c
		return nil
	})
	return out, err
}

func (r consentRepo) ListByProvider(_ context.Context, providerID uuid.UUID, limit int) ([]model.ConsentRequest, error) {
	var out []model.ConsentRequest
	err := r.v.do(func(st *state) error {
		for _, c := range st.consents {
			if c.ProviderID == providerID {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r consentRepo) MarkExpired(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		c, found := st.consents[id]
		if !found || c.Status != model.ConsentPending {
			return nil
		}
		c.Status = model.ConsentExpired
		c.UpdatedAt = at
		st.consents[id] = c
		ok = true
		return nil
	})
	return ok, err
}

func (r consentRepo) Decide(_ context.Context, id uuid.UUID, status model.ConsentStatus, userID uuid.UUID, at time.Time) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		c, found := st.consents[id]
		if !found || c.Status != model.ConsentPending || !c.ExpiresAt.After(at) {
			return nil
		}
		if c.UserID != nil && *c.UserID != userID {
			return nil
		}
		c.Status = status
		c.UserID = &userID
		c.UpdatedAt = at
		st.consents[id] = c
		ok = true
		return nil
	})
	return ok, err
}

func (r consentRepo) CreateDecision(_ context.Context, d model.ConsentDecision) (model.ConsentDecision, error) {
	err := r.v.do(func(st *state) error {
		if _, exists := st.decisions[d.ConsentRequestID]; exists {
			return fmt.Errorf("duplicate consent decision")
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		st.decisions[d.ConsentRequestID] = d
		return nil
	})
	return d, err
}

func (r consentRepo) GetDecision(_ context.Context, consentRequestID uuid.UUID) (model.ConsentDecision, error) {
	var out model.ConsentDecision
	err := r.v.do(func(st *state) error {
		d, ok := st.decisions[consentRequestID]
		if !ok {
			return missing("consent decision")
		}
		out = d
		return nil
	})
	return out, err
}

// audit

type auditRepo struct{ v view }

func (r auditRepo) Insert(_ context.Context, e model.AuditEntry) error {
	return r.v.do(func(st *state) error {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		st.audit = append(st.audit, e)
		return nil
	})
}

func (r auditRepo) CountRecent(_ context.Context, actions []model.AuditAction, metaKey, metaValue string, since time.Time) (int, error) {
	n := 0
	err := r.v.do(func(st *state) error {
		for _, e := range st.audit {
			if e.CreatedAt.Before(since) || !slices.Contains(actions, e.Action) {
				continue
			}
			if v, ok := e.Metadata[metaKey]; ok && fmt.Sprint(v) == metaValue {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Entries returns a copy of the audit log, oldest first.
func (s *Store) Entries() []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.audit)
}
