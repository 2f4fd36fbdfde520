package handlers

import (
	"log/slog"
	"net/http"

	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/middleware"
	"github.com/devicekey/server/internal/model"
)

// DeviceHandler handles device registration, listing and revocation
type DeviceHandler struct {
	auth   *auth.Service
	logger *slog.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(authService *auth.Service, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{auth: authService, logger: logging.Module(logger, "http.devices")}
}

// deviceRequest is the device half of register and recovery bodies
type deviceRequest struct {
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
	DeviceName  string `json:"deviceName"`
}

func (d deviceRequest) input() auth.DeviceInput {
	return auth.DeviceInput{Fingerprint: d.Fingerprint, PublicKey: d.PublicKey, DeviceName: d.DeviceName}
}

type registerDeviceResponse struct {
	Device  deviceResponse `json:"device"`
	Created bool           `json:"created"`
	Revived bool           `json:"revived"`
}

// HandleRegister handles POST /devices/register. Accepts registration and access tokens.
func (h *DeviceHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrInvalidToken)
		return
	}
	var req deviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	res, err := h.auth.RegisterDevice(r.Context(), identity, req.input())
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	middleware.WriteJSON(w, status, registerDeviceResponse{
		Device:  toDeviceResponse(res.Device),
		Created: res.Created,
		Revived: res.Revived,
	})
}

// HandleList handles GET /devices
func (h *DeviceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrForbidden)
		return
	}
	devices, err := h.auth.ListDevices(r.Context(), session.User)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// HandleRevoke handles POST /devices/{id}/revoke
func (h *DeviceHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrForbidden)
		return
	}
	deviceID, err := urlID(r)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.auth.RevokeDevice(r.Context(), session, deviceID); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"deviceId": deviceID.String(), "status": model.DeviceRevoked})
}
