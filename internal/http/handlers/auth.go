package handlers

import (
	"log/slog"
	"net/http"

	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/middleware"
	"github.com/devicekey/server/internal/model"
)

// AuthHandler handles OTP registration, challenge login, revalidation and the session endpoints
type AuthHandler struct {
	auth   *auth.Service
	logger *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.Service, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: authService, logger: logging.Module(logger, "http.auth")}
}

// requestOTPRequest is the request body for POST /auth/register
type requestOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type otpResponse struct {
	OtpID     string `json:"otpId"`
	ExpiresAt string `json:"expiresAt"`
	OtpCode   string `json:"otpCode,omitempty"`
}

func toOtpResponse(issued auth.OtpIssued) otpResponse {
	return otpResponse{
		OtpID:     issued.OtpID.String(),
		ExpiresAt: issued.ExpiresAt.UTC().Format(timeLayout),
		OtpCode:   issued.Code,
	}
}

// HandleRequestOTP handles POST /auth/register
func (h *AuthHandler) HandleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	issued, err := h.auth.RequestAuthOTP(r.Context(), req.PhoneNumber)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, toOtpResponse(issued))
}

// verifyOTPRequest is the request body for POST /auth/verify-otp
type verifyOTPRequest struct {
	OtpID       string `json:"otpId"`
	PhoneNumber string `json:"phoneNumber"`
	Code        string `json:"code"`
}

type verifyOTPResponse struct {
	User              userResponse `json:"user"`
	RegistrationToken string       `json:"registrationToken"`
}

// HandleVerifyOTP handles POST /auth/verify-otp
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	otpID, err := parseID(req.OtpID, "otpId")
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	verified, err := h.auth.VerifyAuthOTP(r.Context(), otpID, req.PhoneNumber, req.Code)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, verifyOTPResponse{
		User:              toUserResponse(verified.User),
		RegistrationToken: verified.RegistrationToken,
	})
}

type challengeRequest struct {
	DeviceID string `json:"deviceId"`
}

type challengeResponse struct {
	ChallengeID string `json:"challengeId"`
	Nonce       string `json:"nonce"`
	ExpiresAt   string `json:"expiresAt"`
}

func toChallengeResponse(c auth.IssuedChallenge) challengeResponse {
	return challengeResponse{
		ChallengeID: c.ChallengeID.String(),
		Nonce:       c.Nonce,
		ExpiresAt:   c.ExpiresAt.UTC().Format(timeLayout),
	}
}

// HandleChallenge handles POST /auth/challenge
func (h *AuthHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	deviceID, err := parseID(req.DeviceID, "deviceId")
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	issued, err := h.auth.IssueLoginChallenge(r.Context(), deviceID)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, toChallengeResponse(issued))
}

type confirmRequest struct {
	ChallengeID string `json:"challengeId"`
	Signature   string `json:"signature"`
}

type tokenResponse struct {
	AccessToken          string `json:"accessToken"`
	AccessTokenExpiresAt string `json:"accessTokenExpiresAt"`
	RefreshToken         string `json:"refreshToken"`
	TokenType            string `json:"tokenType"`
	SessionID            string `json:"sessionId"`
	UserID               string `json:"userId"`
	DeviceID             string `json:"deviceId"`
}

func toTokenResponse(res auth.LoginResult) tokenResponse {
	return tokenResponse{
		AccessToken:          res.AccessToken,
		AccessTokenExpiresAt: res.AccessTokenExpiresAt.UTC().Format(timeLayout),
		RefreshToken:         res.RefreshToken,
		TokenType:            "bearer",
		SessionID:            res.SessionID.String(),
		UserID:               res.UserID.String(),
		DeviceID:             res.DeviceID.String(),
	}
}

// HandleConfirm handles POST /auth/confirm
func (h *AuthHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	challengeID, err := parseID(req.ChallengeID, "challengeId")
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	res, err := h.auth.ConfirmLogin(r.Context(), challengeID, req.Signature)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toTokenResponse(res))
}

// HandleRevalidateChallenge handles POST /auth/revalidate/challenge (session required)
func (h *AuthHandler) HandleRevalidateChallenge(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrForbidden)
		return
	}
	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	deviceID, err := parseID(req.DeviceID, "deviceId")
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	issued, err := h.auth.IssueRevalidationChallenge(r.Context(), session, deviceID)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, toChallengeResponse(issued))
}

type revalidatedResponse struct {
	Revalidated       bool   `json:"revalidated"`
	LastRevalidatedAt string `json:"lastRevalidatedAt"`
}

// HandleRevalidateConfirm handles POST /auth/revalidate/confirm (session required)
func (h *AuthHandler) HandleRevalidateConfirm(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrForbidden)
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	challengeID, err := parseID(req.ChallengeID, "challengeId")
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.auth.ConfirmRevalidation(r.Context(), session, challengeID, req.Signature); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, revalidatedResponse{
		Revalidated:       true,
		LastRevalidatedAt: h.auth.Now().UTC().Format(timeLayout),
	})
}

// refreshRequest is the request body for POST /auth/refresh and /auth/logout
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// HandleRefresh handles POST /auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	res, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toTokenResponse(res))
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

type meResponse struct {
	User              userResponse `json:"user"`
	DeviceID          string       `json:"deviceId,omitempty"`
	SessionID         string       `json:"sessionId,omitempty"`
	LastRevalidatedAt string       `json:"lastRevalidatedAt,omitempty"`
}

// HandleMe handles GET /me. Returns the authenticated user and, for session callers, the session.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrInvalidToken)
		return
	}
	user, err := h.auth.Me(r.Context(), identity.UserID())
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	res := meResponse{User: toUserResponse(user)}
	if session, isSession := identity.(auth.SessionIdentity); isSession {
		res.DeviceID = session.Device.String()
		res.SessionID = session.Session.String()
		res.LastRevalidatedAt = session.LastRevalidatedAt.UTC().Format(timeLayout)
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}
