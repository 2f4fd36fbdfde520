package auth

import (
	"regexp"
	"strings"

	"github.com/devicekey/server/internal/model"
)

const defaultDeviceName = "Unnamed device"

var otpCodePattern = regexp.MustCompile(`^\d{6}$`)

// DeviceInput is the key material a client submits to register or recover a device.
type DeviceInput struct {
	Fingerprint string
	PublicKey   string
	DeviceName  string
}

func (in *DeviceInput) normalize() error {
	in.Fingerprint = strings.TrimSpace(in.Fingerprint)
	in.PublicKey = strings.TrimSpace(in.PublicKey)
	in.DeviceName = strings.TrimSpace(in.DeviceName)

	if n := len(in.Fingerprint); n == 0 || n > 256 {
		return model.Errorf(model.KindValidationFailed, "fingerprint must be 1-256 characters")
	}
	if len(in.PublicKey) < 20 {
		return model.Errorf(model.KindValidationFailed, "publicKey is too short")
	}
	if _, err := ParsePublicKey(in.PublicKey); err != nil {
		return model.Errorf(model.KindValidationFailed, "publicKey must be an Ed25519 public key")
	}
	if len(in.DeviceName) > 64 {
		return model.Errorf(model.KindValidationFailed, "deviceName must be at most 64 characters")
	}
	if in.DeviceName == "" {
		in.DeviceName = defaultDeviceName
	}
	return nil
}

func normalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if n := len(phone); n < 6 || n > 24 {
		return "", model.Errorf(model.KindValidationFailed, "phone must be 6-24 characters")
	}
	return phone, nil
}

func validateOTPCode(code string) error {
	if !otpCodePattern.MatchString(code) {
		return model.Errorf(model.KindValidationFailed, "otpCode must be 6 digits")
	}
	return nil
}
