package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo"
)

const (
	recoveryAbuseWindow = 10 * time.Minute
	recoveryAbuseLimit  = 5

	// DefaultRecoveryCodes is the batch size when the caller does not ask for one.
	DefaultRecoveryCodes = 10
	MinRecoveryCodes     = 10
	MaxRecoveryCodes     = 12
)

// RecoveredDevice is the device re-established by a recovery flow plus a token to continue with.
type RecoveredDevice struct {
	DeviceID          uuid.UUID
	UserID            uuid.UUID
	RegistrationToken string
}

// abuseScope selects which failed attempts count against a recovery key.
type abuseScope struct {
	name    string
	metaKey string
	actions []model.AuditAction
}

var (
	otpAbuse = abuseScope{
		name:    "otp",
		metaKey: audit.MetaPhone,
		actions: []model.AuditAction{model.AuditRecoveryOtpFail, model.AuditRecoveryRateLimitHit},
	}
	codeAbuse = abuseScope{
		name:    "code",
		metaKey: audit.MetaRecoveryCodeHash,
		actions: []model.AuditAction{model.AuditRecoveryCodeUseFail, model.AuditRecoveryRateLimitHit},
	}
)

// StartRecoveryOTP sends a RECOVERY code to phone. It does not reveal whether the phone has an account.
func (s *Service) StartRecoveryOTP(ctx context.Context, phone string) (OtpIssued, error) {
	phone, err := normalizePhone(phone)
	if err != nil {
		return OtpIssued{}, err
	}
	return s.issueOTP(ctx, phone, model.OtpRecovery, model.AuditRecoveryOtpStart)
}

// VerifyRecoveryOTP consumes a RECOVERY code and activates the submitted device on the phone's account.
func (s *Service) VerifyRecoveryOTP(ctx context.Context, otpID uuid.UUID, phone, code string, in DeviceInput) (RecoveredDevice, error) {
	phone, err := normalizePhone(phone)
	if err != nil {
		return RecoveredDevice{}, err
	}
	if err := validateOTPCode(code); err != nil {
		return RecoveredDevice{}, err
	}
	if err := in.normalize(); err != nil {
		return RecoveredDevice{}, err
	}
	if err := s.checkAbuse(ctx, otpAbuse, phone); err != nil {
		return RecoveredDevice{}, err
	}

	if _, err := s.checkOTP(ctx, otpID, phone, code, model.OtpRecovery, model.AuditRecoveryOtpFail); err != nil {
		return RecoveredDevice{}, err
	}

	user, err := s.store.Users().GetByPhone(ctx, phone)
	if err != nil {
		if !isNotFound(err) {
			return RecoveredDevice{}, unexpected("load user", err)
		}
		s.audit.Fail(ctx, audit.Event{
			Action:   model.AuditRecoveryOtpFail,
			Metadata: map[string]any{audit.MetaPhone: phone, audit.MetaReason: "user_not_found", "otpId": otpID.String()},
		})
		return RecoveredDevice{}, model.Errorf(model.KindNotFound, "user not found")
	}

	now := s.nowFn()
	var device model.Device
	err = s.store.WithTx(ctx, func(tx repo.Repos) error {
		ok, err := tx.Otps().MarkVerified(ctx, otpID, now)
		if err != nil {
			return unexpected("mark otp verified", err)
		}
		if !ok {
			return model.Errorf(model.KindConflict, "OTP already used")
		}
		activated, err := s.activateDevice(ctx, tx, user.ID, in, false, now)
		if err != nil {
			return err
		}
		device = activated.Device
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditRecoveryOtpVerifyOK,
			UserID:   audit.Ref(user.ID),
			DeviceID: audit.Ref(device.ID),
			Metadata: map[string]any{"otpId": otpID.String(), "revived": activated.Revived},
		})
	})
	if err != nil {
		s.failDeviceAdd(ctx, user.ID, err)
		return RecoveredDevice{}, err
	}
	return s.recovered(user.ID, device.ID)
}

// GenerateRecoveryCodes replaces every unused code of the caller with a fresh batch.
// The plaintext codes are only ever returned here.
func (s *Service) GenerateRecoveryCodes(ctx context.Context, caller SessionIdentity, count int) ([]string, error) {
	if count == 0 {
		count = DefaultRecoveryCodes
	}
	if count < MinRecoveryCodes || count > MaxRecoveryCodes {
		return nil, model.Errorf(model.KindValidationFailed, "count must be between %d and %d", MinRecoveryCodes, MaxRecoveryCodes)
	}

	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := GenerateRecoveryCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, HashToken(code))
	}

	now := s.nowFn()
	err := s.store.WithTx(ctx, func(tx repo.Repos) error {
		if err := tx.RecoveryCodes().ReplaceUnused(ctx, caller.User, hashes, now); err != nil {
			return unexpected("replace recovery codes", err)
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditRecoveryCodeGenerate,
			UserID:   audit.Ref(caller.User),
			DeviceID: audit.Ref(caller.Device),
			Metadata: map[string]any{"count": count},
		})
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// UseRecoveryCode spends a recovery code and activates the submitted device on the code owner's account.
func (s *Service) UseRecoveryCode(ctx context.Context, code string, in DeviceInput) (RecoveredDevice, error) {
	if n := len(code); n < 8 || n > 128 {
		return RecoveredDevice{}, model.Errorf(model.KindValidationFailed, "recoveryCode must be 8-128 characters")
	}
	if err := in.normalize(); err != nil {
		return RecoveredDevice{}, err
	}

	codeHash := HashToken(code)
	if err := s.checkAbuse(ctx, codeAbuse, codeHash); err != nil {
		return RecoveredDevice{}, err
	}

	invalid := func() (RecoveredDevice, error) {
		s.audit.Fail(ctx, audit.Event{
			Action:   model.AuditRecoveryCodeUseFail,
			Metadata: map[string]any{audit.MetaReason: "invalid_or_used", audit.MetaRecoveryCodeHash: codeHash},
		})
		return RecoveredDevice{}, model.Errorf(model.KindInvalidCode, "invalid recovery code")
	}

	rc, err := s.store.RecoveryCodes().GetByHash(ctx, codeHash)
	if err != nil {
		if isNotFound(err) {
			return invalid()
		}
		return RecoveredDevice{}, unexpected("load recovery code", err)
	}
	if rc.UsedAt != nil {
		return invalid()
	}

	now := s.nowFn()
	var device model.Device
	var spent bool
	err = s.store.WithTx(ctx, func(tx repo.Repos) error {
		activated, err := s.activateDevice(ctx, tx, rc.UserID, in, false, now)
		if err != nil {
			return err
		}
		spent, err = tx.RecoveryCodes().MarkUsed(ctx, rc.ID, now)
		if err != nil {
			return unexpected("mark recovery code used", err)
		}
		if !spent {
			return model.ErrInvalidCode
		}
		device = activated.Device
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditRecoveryCodeUseOK,
			UserID:   audit.Ref(rc.UserID),
			DeviceID: audit.Ref(device.ID),
			Metadata: map[string]any{"recoveryCodeId": rc.ID.String(), "revived": activated.Revived},
		})
	})
	if err != nil {
		if model.KindOf(err) == model.KindInvalidCode {
			return invalid()
		}
		s.failDeviceAdd(ctx, rc.UserID, err)
		return RecoveredDevice{}, err
	}
	return s.recovered(rc.UserID, device.ID)
}

// checkAbuse rejects a recovery key with too many recent failures, from any source address.
func (s *Service) checkAbuse(ctx context.Context, scope abuseScope, key string) error {
	since := s.nowFn().Add(-recoveryAbuseWindow)
	attempts, err := s.store.Audit().CountRecent(ctx, scope.actions, scope.metaKey, key, since)
	if err != nil {
		return unexpected("count recovery failures", err)
	}
	if attempts < recoveryAbuseLimit {
		return nil
	}
	s.audit.Fail(ctx, audit.Event{
		Action:   model.AuditRecoveryRateLimitHit,
		Metadata: map[string]any{"scope": scope.name, scope.metaKey: key},
	})
	return model.Errorf(model.KindTooManyAttempts, "too many recovery attempts")
}

func (s *Service) recovered(userID, deviceID uuid.UUID) (RecoveredDevice, error) {
	token, err := s.tokens.SignRegistrationToken(userID)
	if err != nil {
		return RecoveredDevice{}, err
	}
	return RecoveredDevice{DeviceID: deviceID, UserID: userID, RegistrationToken: token}, nil
}
