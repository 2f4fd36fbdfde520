package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/consent"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/middleware"
	"github.com/devicekey/server/internal/model"
)

type consentRequestResponse struct {
	ID                  string   `json:"id"`
	ProviderID          string   `json:"providerId"`
	UserID              *string  `json:"userId"`
	RequestedAttributes []string `json:"requestedAttributes"`
	Status              string   `json:"status"`
	ExpiresAt           string   `json:"expiresAt"`
	CreatedAt           string   `json:"createdAt"`
}

type decisionResponse struct {
	ApprovedAttributes []string `json:"approvedAttributes"`
	DeniedAttributes   []string `json:"deniedAttributes"`
	DecidedAt          string   `json:"decidedAt"`
}

func toConsentRequestResponse(req model.ConsentRequest) consentRequestResponse {
	var userID *string
	if req.UserID != nil {
		s := req.UserID.String()
		userID = &s
	}
	return consentRequestResponse{
		ID:                  req.ID.String(),
		ProviderID:          req.ProviderID.String(),
		UserID:              userID,
		RequestedAttributes: req.RequestedAttributes,
		Status:              string(req.Status),
		ExpiresAt:           req.ExpiresAt.UTC().Format(timeLayout),
		CreatedAt:           req.CreatedAt.UTC().Format(timeLayout),
	}
}

func toDecisionResponse(d model.ConsentDecision) *decisionResponse {
	approved, denied := d.ApprovedAttributes, d.DeniedAttributes
	if approved == nil {
		approved = []string{}
	}
	if denied == nil {
		denied = []string{}
	}
	return &decisionResponse{
		ApprovedAttributes: approved,
		DeniedAttributes:   denied,
		DecidedAt:          d.DecidedAt.UTC().Format(timeLayout),
	}
}

// ProviderHandler serves the provider-facing consent API (API key auth)
type ProviderHandler struct {
	consent *consent.Service
	logger  *slog.Logger
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(consentService *consent.Service, logger *slog.Logger) *ProviderHandler {
	return &ProviderHandler{consent: consentService, logger: logging.Module(logger, "http.provider")}
}

type createConsentRequest struct {
	RequestedAttributes []string `json:"requestedAttributes"`
	UserID              *string  `json:"userId"`
	ExpiresAt           *string  `json:"expiresAt"`
}

type createConsentResponse struct {
	consentRequestResponse
	Token      string `json:"token"`
	ConsentURL string `json:"consentUrl"`
	QRText     string `json:"qrText"`
}

func (req createConsentRequest) input() (consent.CreateInput, error) {
	in := consent.CreateInput{RequestedAttributes: req.RequestedAttributes}
	if req.UserID != nil && *req.UserID != "" {
		id, err := parseID(*req.UserID, "userId")
		if err != nil {
			return in, err
		}
		in.UserID = &id
	}
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			return in, model.Errorf(model.KindValidationFailed, "expiresAt must be an RFC 3339 timestamp")
		}
		in.ExpiresAt = &t
	}
	return in, nil
}

// HandleCreate handles POST /provider/consent-requests
func (h *ProviderHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	provider, ok := middleware.GetProvider(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrInvalidToken)
		return
	}
	var req createConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	in, err := req.input()
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	created, err := h.consent.Create(r.Context(), provider, in)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, createConsentResponse{
		consentRequestResponse: toConsentRequestResponse(created.Request),
		Token:                  created.Request.Token,
		ConsentURL:             created.ConsentURL,
		QRText:                 created.QRText,
	})
}

// HandleList handles GET /provider/consent-requests?limit=N
func (h *ProviderHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	provider, ok := middleware.GetProvider(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrInvalidToken)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.WriteError(w, r, h.logger, model.Errorf(model.KindValidationFailed, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	reqs, err := h.consent.ListForProvider(r.Context(), provider, limit)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	out := make([]consentRequestResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toConsentRequestResponse(req))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"consentRequests": out})
}

type providerConsentView struct {
	consentRequestResponse
	Decision *decisionResponse `json:"decision"`
}

// HandleGet handles GET /provider/consent-requests/{id}
func (h *ProviderHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	provider, ok := middleware.GetProvider(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrInvalidToken)
		return
	}
	id, err := urlID(r)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	view, err := h.consent.GetForProvider(r.Context(), provider, id)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	res := providerConsentView{consentRequestResponse: toConsentRequestResponse(view.Request)}
	if view.Decision != nil {
		res.Decision = toDecisionResponse(*view.Decision)
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// ConsentHandler serves the user-facing consent endpoints (session auth)
type ConsentHandler struct {
	consent *consent.Service
	logger  *slog.Logger
}

// NewConsentHandler creates a new consent handler
func NewConsentHandler(consentService *consent.Service, logger *slog.Logger) *ConsentHandler {
	return &ConsentHandler{consent: consentService, logger: logging.Module(logger, "http.consent")}
}

type userConsentView struct {
	consentRequestResponse
	ProviderName string `json:"providerName"`
}

// HandleGet handles GET /consent/{id}?token=...
func (h *ConsentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrForbidden)
		return
	}
	id, err := urlID(r)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	view, err := h.consent.GetForUser(r.Context(), session, id, r.URL.Query().Get("token"))
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, userConsentView{
		consentRequestResponse: toConsentRequestResponse(view.Request),
		ProviderName:           view.ProviderName,
	})
}

type approveRequest struct {
	Token              string   `json:"token"`
	ApprovedAttributes []string `json:"approvedAttributes"`
}

type denyRequest struct {
	Token            string   `json:"token"`
	DeniedAttributes []string `json:"deniedAttributes"`
}

// consentToken prefers the body token and falls back to the deep link's query parameter.
func consentToken(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.URL.Query().Get("token")
}

type decidedResponse struct {
	ConsentRequest consentRequestResponse `json:"consentRequest"`
	Decision       *decisionResponse      `json:"decision"`
}

// HandleApprove handles POST /consent/{id}/approve
func (h *ConsentHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	h.handleDecision(w, r, &req, func(caller auth.SessionIdentity, id uuid.UUID) (consent.Decided, error) {
		return h.consent.Approve(r.Context(), caller, id, consentToken(r, req.Token), req.ApprovedAttributes)
	})
}

// HandleDeny handles POST /consent/{id}/deny. Without deniedAttributes every attribute is denied.
func (h *ConsentHandler) HandleDeny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	h.handleDecision(w, r, &req, func(caller auth.SessionIdentity, id uuid.UUID) (consent.Decided, error) {
		return h.consent.Deny(r.Context(), caller, id, consentToken(r, req.Token), req.DeniedAttributes)
	})
}

func (h *ConsentHandler) handleDecision(
	w http.ResponseWriter,
	r *http.Request,
	body any,
	decide func(auth.SessionIdentity, uuid.UUID) (consent.Decided, error),
) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, r, h.logger, model.ErrForbidden)
		return
	}
	id, err := urlID(r)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, body); err != nil {
			middleware.WriteError(w, r, h.logger, err)
			return
		}
	}
	decided, err := decide(session, id)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, decidedResponse{
		ConsentRequest: toConsentRequestResponse(decided.Request),
		Decision:       toDecisionResponse(decided.Decision),
	})
}
