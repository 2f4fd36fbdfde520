package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo"
)

const minSignatureLength = 8

// IssuedChallenge is a nonce the device must sign before ExpiresAt
type IssuedChallenge struct {
	ChallengeID uuid.UUID
	Nonce       string
	ExpiresAt   time.Time
}

// LoginResult is returned by a successful login confirmation
type LoginResult struct {
	AccessToken          string
	AccessTokenExpiresAt time.Time
	RefreshToken         string
	SessionID            uuid.UUID
	UserID               uuid.UUID
	DeviceID             uuid.UUID
}

// challengeFailure is an audited rejection of a challenge confirmation.
type challengeFailure struct {
	reason string
	err    error
}

func (f *challengeFailure) Error() string { return f.err.Error() }
func (f *challengeFailure) Unwrap() error { return f.err }

func rejectChallenge(reason string, kind model.ErrorKind, msg string) error {
	return &challengeFailure{reason: reason, err: model.Errorf(kind, "%s", msg)}
}

// IssueLoginChallenge creates a LOGIN challenge for an ACTIVE device.
func (s *Service) IssueLoginChallenge(ctx context.Context, deviceID uuid.UUID) (IssuedChallenge, error) {
	device, err := s.store.Devices().GetByID(ctx, deviceID)
	if err != nil && !isNotFound(err) {
		return IssuedChallenge{}, unexpected("load device", err)
	}
	if err != nil || device.Status != model.DeviceActive {
		return IssuedChallenge{}, model.Errorf(model.KindNotFound, "device not found")
	}
	return s.issueChallenge(ctx, deviceID, model.ChallengeLogin)
}

// IssueRevalidationChallenge creates a REVALIDATE challenge for the caller's own device.
func (s *Service) IssueRevalidationChallenge(ctx context.Context, caller SessionIdentity, deviceID uuid.UUID) (IssuedChallenge, error) {
	if deviceID != caller.Device {
		s.audit.Fail(ctx, audit.Event{
			Action:   model.AuditRevalidateFail,
			UserID:   audit.Ref(caller.User),
			DeviceID: audit.Ref(caller.Device),
			Metadata: map[string]any{audit.MetaReason: "device_mismatch"},
		})
		return IssuedChallenge{}, model.Errorf(model.KindForbidden, "device does not match the session")
	}
	device, err := s.store.Devices().GetByID(ctx, deviceID)
	if err != nil && !isNotFound(err) {
		return IssuedChallenge{}, unexpected("load device", err)
	}
	if err != nil || device.Status != model.DeviceActive || device.UserID != caller.User {
		return IssuedChallenge{}, model.Errorf(model.KindNotFound, "device not found")
	}
	return s.issueChallenge(ctx, deviceID, model.ChallengeRevalidate)
}

func (s *Service) issueChallenge(ctx context.Context, deviceID uuid.UUID, purpose model.ChallengePurpose) (IssuedChallenge, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return IssuedChallenge{}, err
	}
	challenge, err := s.store.Challenges().Create(ctx, model.AuthChallenge{
		DeviceID:  deviceID,
		Purpose:   purpose,
		Nonce:     nonce,
		Status:    model.ChallengePending,
		ExpiresAt: s.nowFn().Add(s.cfg.ChallengeTTL),
	})
	if err != nil {
		return IssuedChallenge{}, unexpected("create challenge", err)
	}
	return IssuedChallenge{ChallengeID: challenge.ID, Nonce: challenge.Nonce, ExpiresAt: challenge.ExpiresAt}, nil
}

// ConfirmLogin consumes a LOGIN challenge and opens a session.
// Only one confirmation per challenge can succeed.
func (s *Service) ConfirmLogin(ctx context.Context, challengeID uuid.UUID, signature string) (LoginResult, error) {
	if len(signature) < minSignatureLength {
		return LoginResult{}, model.Errorf(model.KindValidationFailed, "signature is too short")
	}

	challenge, device, err := s.verifyChallenge(ctx, challengeID, signature, model.ChallengeLogin)
	if err != nil {
		return LoginResult{}, s.failChallenge(ctx, model.AuditLoginFail, challengeID, device, err)
	}

	refreshToken, refreshHash, err := GenerateRefreshToken()
	if err != nil {
		return LoginResult{}, err
	}

	now := s.nowFn()
	var session model.Session
	err = s.store.WithTx(ctx, func(tx repo.Repos) error {
		if err := s.consumeChallenge(ctx, tx, challenge.ID, device.ID, now); err != nil {
			return err
		}
		session, err = tx.Sessions().Create(ctx, model.Session{
			UserID:            device.UserID,
			DeviceID:          device.ID,
			RefreshTokenHash:  refreshHash,
			Status:            model.SessionActive,
			ExpiresAt:         now.Add(s.cfg.RefreshTokenTTL),
			LastRevalidatedAt: now,
		})
		if err != nil {
			return unexpected("create session", err)
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditLoginOK,
			UserID:   audit.Ref(device.UserID),
			DeviceID: audit.Ref(device.ID),
			Metadata: map[string]any{"challengeId": challenge.ID.String(), "sessionId": session.ID.String()},
		})
	})
	if err != nil {
		return LoginResult{}, s.failChallenge(ctx, model.AuditLoginFail, challengeID, device, err)
	}

	accessToken, accessExp, err := s.tokens.SignAccessToken(device.UserID, device.ID, session.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		AccessToken:          accessToken,
		AccessTokenExpiresAt: accessExp,
		RefreshToken:         refreshToken,
		SessionID:            session.ID,
		UserID:               device.UserID,
		DeviceID:             device.ID,
	}, nil
}

// ConfirmRevalidation consumes a REVALIDATE challenge for the caller's device
// and stamps the session's lastRevalidatedAt.
func (s *Service) ConfirmRevalidation(ctx context.Context, caller SessionIdentity, challengeID uuid.UUID, signature string) error {
	if len(signature) < minSignatureLength {
		return model.Errorf(model.KindValidationFailed, "signature is too short")
	}

	challenge, device, err := s.verifyChallenge(ctx, challengeID, signature, model.ChallengeRevalidate)
	if err == nil && (device.ID != caller.Device || device.UserID != caller.User) {
		err = rejectChallenge("device_mismatch", model.KindForbidden, "challenge does not belong to this session's device")
	}
	if err != nil {
		return s.failChallenge(ctx, model.AuditRevalidateFail, challengeID, device, err)
	}

	now := s.nowFn()
	err = s.store.WithTx(ctx, func(tx repo.Repos) error {
		if err := s.consumeChallenge(ctx, tx, challenge.ID, device.ID, now); err != nil {
			return err
		}
		ok, err := tx.Sessions().TouchRevalidated(ctx, caller.Session, now)
		if err != nil {
			return unexpected("stamp revalidation", err)
		}
		if !ok {
			return rejectChallenge("session_inactive", model.KindInvalidToken, "session is no longer active")
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditRevalidateOK,
			UserID:   audit.Ref(caller.User),
			DeviceID: audit.Ref(device.ID),
			Metadata: map[string]any{"challengeId": challenge.ID.String(), "sessionId": caller.Session.String()},
		})
	})
	if err != nil {
		return s.failChallenge(ctx, model.AuditRevalidateFail, challengeID, device, err)
	}
	return nil
}

// verifyChallenge runs the read-side checks in order: existence, state, expiry, signature.
// The returned device is populated whenever it could be loaded, for auditing.
func (s *Service) verifyChallenge(
	ctx context.Context,
	challengeID uuid.UUID,
	signature string,
	purpose model.ChallengePurpose,
) (model.AuthChallenge, model.Device, error) {
	notFound := rejectChallenge("challenge_or_device_not_found", model.KindNotFound, "challenge or device not found")

	challenge, err := s.store.Challenges().GetByID(ctx, challengeID)
	if err != nil {
		if isNotFound(err) {
			return model.AuthChallenge{}, model.Device{}, notFound
		}
		return model.AuthChallenge{}, model.Device{}, unexpected("load challenge", err)
	}
	device, err := s.store.Devices().GetByID(ctx, challenge.DeviceID)
	if err != nil {
		if isNotFound(err) {
			return model.AuthChallenge{}, model.Device{}, notFound
		}
		return model.AuthChallenge{}, model.Device{}, unexpected("load device", err)
	}
	if device.Status != model.DeviceActive || challenge.Purpose != purpose {
		return challenge, device, notFound
	}

	if challenge.Status != model.ChallengePending {
		return challenge, device, rejectChallenge("challenge_not_pending", model.KindConflict, "challenge is no longer pending")
	}

	if !s.nowFn().Before(challenge.ExpiresAt) {
		if err := s.store.Challenges().MarkExpired(ctx, challenge.ID); err != nil {
			return challenge, device, unexpected("expire challenge", err)
		}
		return challenge, device, rejectChallenge("challenge_expired", model.KindExpired, "challenge expired")
	}

	if !VerifySignature(device.PublicKey, challenge.Nonce, signature) {
		return challenge, device, rejectChallenge("invalid_signature", model.KindInvalidSignature, "invalid signature")
	}
	return challenge, device, nil
}

// consumeChallenge flips PENDING to USED and re-checks the device inside the transaction.
func (s *Service) consumeChallenge(ctx context.Context, tx repo.Repos, challengeID, deviceID uuid.UUID, now time.Time) error {
	ok, err := tx.Challenges().MarkUsed(ctx, challengeID, now)
	if err != nil {
		return unexpected("consume challenge", err)
	}
	if !ok {
		return rejectChallenge("challenge_not_pending", model.KindConflict, "challenge is no longer pending")
	}
	device, err := tx.Devices().GetByID(ctx, deviceID)
	if err != nil && !isNotFound(err) {
		return unexpected("load device", err)
	}
	if err != nil || device.Status != model.DeviceActive {
		return rejectChallenge("challenge_or_device_not_found", model.KindNotFound, "challenge or device not found")
	}
	return nil
}

// failChallenge audits rejections carrying a reason and returns the domain error unwrapped.
func (s *Service) failChallenge(ctx context.Context, action model.AuditAction, challengeID uuid.UUID, device model.Device, err error) error {
	var f *challengeFailure
	if !errors.As(err, &f) {
		return err
	}
	event := audit.Event{
		Action:   action,
		Metadata: map[string]any{audit.MetaReason: f.reason, "challengeId": challengeID.String()},
	}
	if device.ID != uuid.Nil {
		event.UserID = audit.Ref(device.UserID)
		event.DeviceID = audit.Ref(device.ID)
	}
	s.audit.Fail(ctx, event)
	return f.err
}
