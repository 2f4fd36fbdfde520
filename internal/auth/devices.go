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

// RegisteredDevice is the outcome of activating a device.
// Neither flag is set when the device was already ACTIVE.
type RegisteredDevice struct {
	Device  model.Device
	Created bool
	Revived bool
}

// RegisterDevice binds a key pair to the caller's account. Re-registering an
// ACTIVE fingerprint is a no-op that returns the same device.
func (s *Service) RegisterDevice(ctx context.Context, id Identity, in DeviceInput) (RegisteredDevice, error) {
	if err := in.normalize(); err != nil {
		return RegisteredDevice{}, err
	}
	userID := id.UserID()
	if _, err := s.store.Users().GetByID(ctx, userID); err != nil {
		if isNotFound(err) {
			return RegisteredDevice{}, model.Errorf(model.KindNotFound, "user not found")
		}
		return RegisteredDevice{}, unexpected("load user", err)
	}

	now := s.nowFn()
	var out RegisteredDevice
	err := s.store.WithTx(ctx, func(tx repo.Repos) error {
		var err error
		out, err = s.activateDevice(ctx, tx, userID, in, true, now)
		if err != nil {
			return err
		}
		if !out.Created && !out.Revived {
			return nil
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditDeviceAdd,
			UserID:   audit.Ref(userID),
			DeviceID: audit.Ref(out.Device.ID),
			Metadata: map[string]any{"revived": out.Revived, "created": out.Created},
		})
	})
	if err != nil {
		s.failDeviceAdd(ctx, userID, err)
		return RegisteredDevice{}, err
	}
	return out, nil
}

// activateDevice runs the create-or-revive logic under the per-user device lock.
// With allowExisting false an ACTIVE fingerprint is a Conflict.
func (s *Service) activateDevice(
	ctx context.Context,
	tx repo.Repos,
	userID uuid.UUID,
	in DeviceInput,
	allowExisting bool,
	now time.Time,
) (RegisteredDevice, error) {
	devices := tx.Devices()
	if err := devices.LockUser(ctx, userID); err != nil {
		return RegisteredDevice{}, unexpected("lock user devices", err)
	}

	existing, err := devices.GetByFingerprint(ctx, userID, in.Fingerprint)
	found := err == nil
	if err != nil && !isNotFound(err) {
		return RegisteredDevice{}, unexpected("load device", err)
	}

	if found && existing.Status == model.DeviceActive {
		if allowExisting {
			return RegisteredDevice{Device: existing}, nil
		}
		return RegisteredDevice{}, model.Errorf(model.KindConflict, "device is already active; sign in with a challenge")
	}

	active, err := devices.CountActive(ctx, userID)
	if err != nil {
		return RegisteredDevice{}, unexpected("count active devices", err)
	}
	if active >= model.MaxActiveDevices {
		return RegisteredDevice{}, model.Errorf(model.KindDeviceLimitExceeded, "a user may have at most %d active devices", model.MaxActiveDevices)
	}

	if found {
		device, err := devices.Reactivate(ctx, existing.ID, in.PublicKey, in.DeviceName, now)
		if err != nil {
			return RegisteredDevice{}, unexpected("reactivate device", err)
		}
		return RegisteredDevice{Device: device, Revived: true}, nil
	}

	device, err := devices.Create(ctx, model.Device{
		UserID:      userID,
		Fingerprint: in.Fingerprint,
		PublicKey:   in.PublicKey,
		DeviceName:  in.DeviceName,
		Status:      model.DeviceActive,
	})
	if err != nil {
		return RegisteredDevice{}, unexpected("create device", err)
	}
	return RegisteredDevice{Device: device, Created: true}, nil
}

// failDeviceAdd audits a registration refused by the device cap or an already active fingerprint.
func (s *Service) failDeviceAdd(ctx context.Context, userID uuid.UUID, err error) {
	var de *model.Error
	if !errors.As(err, &de) {
		return
	}
	if de.Kind != model.KindDeviceLimitExceeded && de.Kind != model.KindConflict {
		return
	}
	s.audit.Fail(ctx, audit.Event{
		Action:   model.AuditDeviceAddFail,
		UserID:   audit.Ref(userID),
		Metadata: map[string]any{audit.MetaReason: string(de.Kind)},
	})
}

// RevokeDevice revokes one of the caller's devices and every ACTIVE session on it.
func (s *Service) RevokeDevice(ctx context.Context, caller SessionIdentity, deviceID uuid.UUID) error {
	now := s.nowFn()
	return s.store.WithTx(ctx, func(tx repo.Repos) error {
		device, err := tx.Devices().GetByID(ctx, deviceID)
		if err != nil && !isNotFound(err) {
			return unexpected("load device", err)
		}
		if err != nil || device.UserID != caller.User {
			return model.Errorf(model.KindNotFound, "device not found")
		}

		if err := tx.Devices().Revoke(ctx, deviceID, now); err != nil {
			return unexpected("revoke device", err)
		}
		revoked, err := tx.Sessions().RevokeByDevice(ctx, deviceID, now)
		if err != nil {
			return unexpected("revoke device sessions", err)
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   model.AuditDeviceRevoke,
			UserID:   audit.Ref(caller.User),
			DeviceID: audit.Ref(deviceID),
			Metadata: map[string]any{"revokedSessions": revoked, "byDevice": caller.Device.String()},
		})
	})
}

// ListDevices returns the user's devices, newest first.
func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	devices, err := s.store.Devices().ListByUser(ctx, userID)
	if err != nil {
		return nil, unexpected("list devices", err)
	}
	return devices, nil
}

// Me returns the caller's user record.
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (model.User, error) {
	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return model.User{}, model.Errorf(model.KindNotFound, "user not found")
		}
		return model.User{}, unexpected("load user", err)
	}
	return user, nil
}
