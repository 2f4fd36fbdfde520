package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo"
)

// maxOTPAttempts burns an OTP after this many wrong codes
const maxOTPAttempts = 5

// OtpSender delivers a one-time code to a phone number
type OtpSender interface {
	Send(ctx context.Context, phone, code string, purpose model.OtpPurpose) error
}

// LogSender is the development OtpSender. It logs the delivery with the phone masked and never logs the code.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(ctx context.Context, phone, _ string, purpose model.OtpPurpose) error {
	l.logger.InfoContext(ctx, "otp delivered", "phone", logging.MaskPhone(phone), "purpose", string(purpose))
	return nil
}

// OtpIssued is returned when a code is sent. Code is only set in dev mode.
type OtpIssued struct {
	OtpID     uuid.UUID
	ExpiresAt time.Time
	Code      string
}

// VerifiedUser is the result of a successful registration OTP
type VerifiedUser struct {
	User              model.User
	RegistrationToken string
}

// RequestAuthOTP issues a registration code for phone
func (s *Service) RequestAuthOTP(ctx context.Context, phone string) (OtpIssued, error) {
	phone, err := normalizePhone(phone)
	if err != nil {
		return OtpIssued{}, err
	}
	return s.issueOTP(ctx, phone, model.OtpAuth, model.AuditOtpStart)
}

// VerifyAuthOTP consumes a registration code, upserts the user and returns a registration token.
func (s *Service) VerifyAuthOTP(ctx context.Context, otpID uuid.UUID, phone, code string) (VerifiedUser, error) {
	phone, err := normalizePhone(phone)
	if err != nil {
		return VerifiedUser{}, err
	}
	if err := validateOTPCode(code); err != nil {
		return VerifiedUser{}, err
	}

	if _, err := s.checkOTP(ctx, otpID, phone, code, model.OtpAuth, model.AuditOtpVerifyFail); err != nil {
		return VerifiedUser{}, err
	}

	now := s.nowFn()
	var user model.User
	err = s.store.WithTx(ctx, func(tx repo.Repos) error {
		ok, err := tx.Otps().MarkVerified(ctx, otpID, now)
		if err != nil {
			return unexpected("mark otp verified", err)
		}
		if !ok {
			return model.Errorf(model.KindConflict, "OTP already used")
		}
		user, err = tx.Users().GetOrCreateByPhone(ctx, phone)
		if err != nil {
			return unexpected("upsert user", err)
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditOtpVerifyOK,
			UserID:   audit.Ref(user.ID),
			Metadata: map[string]any{audit.MetaPhone: phone, "otpId": otpID.String()},
		})
	})
	if err != nil {
		return VerifiedUser{}, err
	}

	token, err := s.tokens.SignRegistrationToken(user.ID)
	if err != nil {
		return VerifiedUser{}, err
	}
	return VerifiedUser{User: user, RegistrationToken: token}, nil
}

// issueOTP invalidates pending codes for phone+purpose and stores a new one.
func (s *Service) issueOTP(ctx context.Context, phone string, purpose model.OtpPurpose, action model.AuditAction) (OtpIssued, error) {
	code, err := GenerateOTP()
	if err != nil {
		return OtpIssued{}, err
	}
	now := s.nowFn()

	var otp model.OtpVerification
	err = s.store.WithTx(ctx, func(tx repo.Repos) error {
		if err := tx.Otps().InvalidatePending(ctx, phone, purpose, now); err != nil {
			return unexpected("invalidate pending otps", err)
		}
		otp, err = tx.Otps().Create(ctx, model.OtpVerification{
			PhoneNumber: phone,
			Purpose:     purpose,
			CodeHash:    HashToken(code),
			ExpiresAt:   now.Add(s.cfg.OTPTTL),
		})
		if err != nil {
			return unexpected("create otp", err)
		}
		return nil
	})
	if err != nil {
		return OtpIssued{}, err
	}

	if err := s.sender.Send(ctx, phone, code, purpose); err != nil {
		return OtpIssued{}, unexpected("send otp", err)
	}
	if err := s.audit.Record(ctx, audit.Event{
		Action:   action,
		Metadata: map[string]any{audit.MetaPhone: phone, "otpId": otp.ID.String()},
	}); err != nil {
		return OtpIssued{}, unexpected("audit otp start", err)
	}

	issued := OtpIssued{OtpID: otp.ID, ExpiresAt: otp.ExpiresAt}
	if s.cfg.DevMode {
		issued.Code = code
	}
	return issued, nil
}

// checkOTP validates a code without consuming it. Every rejection except
// "already verified" is audited with failAction and the attacked phone.
func (s *Service) checkOTP(
	ctx context.Context,
	otpID uuid.UUID,
	phone, code string,
	purpose model.OtpPurpose,
	failAction model.AuditAction,
) (model.OtpVerification, error) {
	fail := func(reason string, err error) (model.OtpVerification, error) {
		s.audit.Fail(ctx, audit.Event{
			Action:   failAction,
			Metadata: map[string]any{audit.MetaPhone: phone, audit.MetaReason: reason, "otpId": otpID.String()},
		})
		return model.OtpVerification{}, err
	}

	otp, err := s.store.Otps().GetByID(ctx, otpID)
	if err != nil && !isNotFound(err) {
		return model.OtpVerification{}, unexpected("load otp", err)
	}
	if err != nil || otp.PhoneNumber != phone || otp.Purpose != purpose {
		return fail("otp_not_found", model.Errorf(model.KindNotFound, "OTP not found"))
	}
	if otp.VerifiedAt != nil {
		return model.OtpVerification{}, model.Errorf(model.KindConflict, "OTP already used")
	}

	now := s.nowFn()
	if !now.Before(otp.ExpiresAt) || otp.AttemptCount >= maxOTPAttempts {
		return fail("otp_expired", model.Errorf(model.KindExpired, "OTP expired"))
	}

	if !HashMatches(code, otp.CodeHash) {
		if _, err := s.store.Otps().IncrementAttempt(ctx, otp.ID); err != nil {
			return model.OtpVerification{}, unexpected("record otp attempt", err)
		}
		return fail("invalid_otp", model.Errorf(model.KindInvalidCode, "invalid OTP code"))
	}
	return otp, nil
}
