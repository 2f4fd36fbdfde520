package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/middleware"
	"github.com/devicekey/server/internal/model"
)

// RecoveryHandler handles recovery codes and recovery OTPs. Besides the IP bucket
// applied by the router, each credential-consuming call is limited per phone
// number or per recovery-code hash, so rotating source addresses does not help.
type RecoveryHandler struct {
	auth    *auth.Service
	limiter middleware.Limiter
	bucket  middleware.Bucket
	logger  *slog.Logger
}

// NewRecoveryHandler creates a new recovery handler
func NewRecoveryHandler(authService *auth.Service, limiter middleware.Limiter, bucket middleware.Bucket, logger *slog.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		auth:    authService,
		limiter: limiter,
		bucket:  bucket,
		logger:  logging.Module(logger, "http.recovery"),
	}
}

func (h *RecoveryHandler) keyed(suffix string) middleware.Bucket {
	b := h.bucket
	b.Name += "_" + suffix
	return b
}

type generateCodesRequest struct {
	Count int `json:"count"`
}

// HandleGenerate handles POST /recovery/generate
func (h *RecoveryHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrForbidden)
		return
	}
	var req generateCodesRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, h.logger, err)
			return
		}
	}
	codes, err := h.auth.GenerateRecoveryCodes(r.Context(), session, req.Count)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]any{"codes": codes})
}

type useCodeRequest struct {
	RecoveryCode string `json:"recoveryCode"`
	deviceRequest
}

type recoveredResponse struct {
	UserID            string `json:"userId"`
	DeviceID          string `json:"deviceId"`
	RegistrationToken string `json:"registrationToken"`
}

func toRecoveredResponse(res auth.RecoveredDevice) recoveredResponse {
	return recoveredResponse{
		UserID:            res.UserID.String(),
		DeviceID:          res.DeviceID.String(),
		RegistrationToken: res.RegistrationToken,
	}
}

// HandleUseCode handles POST /recovery/use
func (h *RecoveryHandler) HandleUseCode(w http.ResponseWriter, r *http.Request) {
	var req useCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	code := strings.TrimSpace(req.RecoveryCode)
	if code != "" {
		key := middleware.GetCodeKey(auth.HashToken(code))
		if !middleware.Enforce(w, r, h.limiter, h.keyed("code"), key, h.logger) {
			return
		}
	}
	res, err := h.auth.UseRecoveryCode(r.Context(), code, req.input())
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toRecoveredResponse(res))
}

// HandleStartOTP handles POST /recovery/start-otp
func (h *RecoveryHandler) HandleStartOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	if phone := strings.TrimSpace(req.PhoneNumber); phone != "" {
		if !middleware.Enforce(w, r, h.limiter, h.keyed("phone"), middleware.GetPhoneKey(phone), h.logger) {
			return
		}
	}
	issued, err := h.auth.StartRecoveryOTP(r.Context(), req.PhoneNumber)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, toOtpResponse(issued))
}

type verifyRecoveryOTPRequest struct {
	verifyOTPRequest
	deviceRequest
}

// HandleVerifyOTP handles POST /recovery/verify-otp
func (h *RecoveryHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRecoveryOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	otpID, err := parseID(req.OtpID, "otpId")
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	if phone := strings.TrimSpace(req.PhoneNumber); phone != "" {
		if !middleware.Enforce(w, r, h.limiter, h.keyed("phone"), middleware.GetPhoneKey(phone), h.logger) {
			return
		}
	}
	res, err := h.auth.VerifyRecoveryOTP(r.Context(), otpID, req.PhoneNumber, req.Code, req.input())
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toRecoveredResponse(res))
}
