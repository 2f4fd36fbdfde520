package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo"
)

const minRefreshTokenLength = 16

func errSessionInvalid() error {
	return model.Errorf(model.KindInvalidToken, "invalid or expired refresh token")
}

// Refresh rotates a refresh token. The presented token stops working as soon as this succeeds.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (LoginResult, error) {
	if len(refreshToken) < minRefreshTokenLength {
		return LoginResult{}, model.Errorf(model.KindValidationFailed, "refreshToken is too short")
	}
	oldHash := HashToken(refreshToken)
	now := s.nowFn()

	fail := func(session model.Session, reason string) (LoginResult, error) {
		event := audit.Event{Action: model.AuditRefreshFail, Metadata: map[string]any{audit.MetaReason: reason}}
		if session.ID != uuid.Nil {
			event.UserID = audit.Ref(session.UserID)
			event.DeviceID = audit.Ref(session.DeviceID)
		}
		s.audit.Fail(ctx, event)
		return LoginResult{}, errSessionInvalid()
	}

	session, err := s.store.Sessions().GetByRefreshHash(ctx, oldHash)
	if err != nil {
		if isNotFound(err) {
			return fail(model.Session{}, "session_not_found")
		}
		return LoginResult{}, unexpected("load session", err)
	}
	if session.Status != model.SessionActive {
		return fail(session, "session_revoked")
	}
	if !now.Before(session.ExpiresAt) {
		return fail(session, "session_expired")
	}
	device, err := s.store.Devices().GetByID(ctx, session.DeviceID)
	if err != nil && !isNotFound(err) {
		return LoginResult{}, unexpected("load device", err)
	}
	if err != nil || device.Status != model.DeviceActive {
		return fail(session, "device_inactive")
	}

	newToken, newHash, err := GenerateRefreshToken()
	if err != nil {
		return LoginResult{}, err
	}

	var rotated bool
	err = s.store.WithTx(ctx, func(tx repo.Repos) error {
		rotated, err = tx.Sessions().Rotate(ctx, session.ID, oldHash, newHash, now.Add(s.cfg.RefreshTokenTTL), now)
		if err != nil {
			return unexpected("rotate refresh token", err)
		}
		if !rotated {
			return nil
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditRefreshOK,
			UserID:   audit.Ref(session.UserID),
			DeviceID: audit.Ref(session.DeviceID),
			Metadata: map[string]any{"sessionId": session.ID.String()},
		})
	})
	if err != nil {
		return LoginResult{}, err
	}
	if !rotated {
		return fail(session, "token_already_rotated")
	}

	accessToken, accessExp, err := s.tokens.SignAccessToken(session.UserID, session.DeviceID, session.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		AccessToken:          accessToken,
		AccessTokenExpiresAt: accessExp,
		RefreshToken:         newToken,
		SessionID:            session.ID,
		UserID:               session.UserID,
		DeviceID:             session.DeviceID,
	}, nil
}

// Logout revokes the session holding refreshToken. Unknown or already revoked tokens are not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if len(refreshToken) < minRefreshTokenLength {
		return model.Errorf(model.KindValidationFailed, "refreshToken is too short")
	}
	session, err := s.store.Sessions().GetByRefreshHash(ctx, HashToken(refreshToken))
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return unexpected("load session", err)
	}

	now := s.nowFn()
	return s.store.WithTx(ctx, func(tx repo.Repos) error {
		revoked, err := tx.Sessions().Revoke(ctx, session.ID, now)
		if err != nil {
			return unexpected("revoke session", err)
		}
		if !revoked {
			return nil
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditLogout,
			UserID:   audit.Ref(session.UserID),
			DeviceID: audit.Ref(session.DeviceID),
			Metadata: map[string]any{"sessionId": session.ID.String()},
		})
	})
}

// Authenticate turns a bearer token into an Identity. Access tokens are only
// honoured while their session is ACTIVE and unexpired and its device is ACTIVE.
func (s *Service) Authenticate(ctx context.Context, bearer string) (Identity, error) {
	claims, err := s.tokens.Verify(bearer)
	if err != nil {
		return nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, model.Errorf(model.KindInvalidToken, "invalid token subject")
	}
	if claims.Type == TokenTypeRegistration {
		return RegistrationIdentity{User: userID}, nil
	}

	inactive := model.Errorf(model.KindInvalidToken, "session is not active")
	session, err := s.store.Sessions().GetByID(ctx, *claims.SessionID)
	if err != nil {
		if isNotFound(err) {
			return nil, inactive
		}
		return nil, unexpected("load session", err)
	}
	if session.UserID != userID || session.DeviceID != *claims.DeviceID ||
		session.Status != model.SessionActive || !s.nowFn().Before(session.ExpiresAt) {
		return nil, inactive
	}

	device, err := s.store.Devices().GetByID(ctx, session.DeviceID)
	if err != nil && !isNotFound(err) {
		return nil, unexpected("load device", err)
	}
	if err != nil || device.Status != model.DeviceActive {
		return nil, inactive
	}

	return SessionIdentity{
		User:              session.UserID,
		Device:            session.DeviceID,
		Session:           session.ID,
		LastRevalidatedAt: session.LastRevalidatedAt,
	}, nil
}
