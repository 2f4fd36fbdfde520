// Package consent brokers provider requests for user attributes and the user's decision on them.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/auth"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo"
)

const (
	// DefaultTTL applies when a provider does not choose an expiry.
	DefaultTTL = 10 * time.Minute

	maxAttributeLength = 128
	defaultListLimit   = 50
	maxListLimit       = 200
	qrScheme           = "consent://"
)

// Notifier delivers a decided request to the provider. Delivery must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, provider model.Provider, req model.ConsentRequest, decision model.ConsentDecision)
}

// Service runs the consent workflow
type Service struct {
	store    repo.Store
	audit    *audit.Recorder
	notifier Notifier
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewService creates a new consent service
func NewService(store repo.Store, recorder *audit.Recorder, notifier Notifier, logger *slog.Logger, nowFn func() time.Time) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{
		store:    store,
		audit:    recorder,
		notifier: notifier,
		logger:   logging.Module(logger, "consent"),
		nowFn:    nowFn,
	}
}

// CreateInput is a provider's consent request
type CreateInput struct {
	RequestedAttributes []string
	UserID              *uuid.UUID
	ExpiresAt           *time.Time
}

// Created is a stored request plus the links a user opens to answer it
type Created struct {
	Request    model.ConsentRequest
	ConsentURL string
	QRText     string
}

// View is a request together with its decision, if any
type View struct {
	Request  model.ConsentRequest
	Decision *model.ConsentDecision
}

// UserView is what a user sees before deciding
type UserView struct {
	Request      model.ConsentRequest
	ProviderName string
}

// Decided is the result of an approve or deny
type Decided struct {
	Request  model.ConsentRequest
	Decision model.ConsentDecision
}

// AuthenticateProvider resolves a provider API key. Missing and unknown keys are InvalidToken.
func (s *Service) AuthenticateProvider(ctx context.Context, apiKey string) (model.Provider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return model.Provider{}, model.Errorf(model.KindInvalidToken, "provider API key required")
	}
	provider, err := s.store.Providers().GetByAPIKeyHash(ctx, auth.HashToken(apiKey))
	if err != nil {
		if isNotFound(err) {
			return model.Provider{}, model.Errorf(model.KindInvalidToken, "invalid provider API key")
		}
		return model.Provider{}, fmt.Errorf("load provider: %w", err)
	}
	return provider, nil
}

// CreateProvider registers a relying party with a fresh API key and webhook secret.
// Only the key's hash is stored; the returned provider carries the plaintext once.
func (s *Service) CreateProvider(ctx context.Context, name, redirectURI, webhookURL string) (model.Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Provider{}, model.Errorf(model.KindValidationFailed, "name is required")
	}
	if err := validateURL(redirectURI, false); err != nil {
		return model.Provider{}, model.Errorf(model.KindValidationFailed, "redirectUri: %v", err)
	}
	if err := validateURL(webhookURL, true); err != nil {
		return model.Provider{}, model.Errorf(model.KindValidationFailed, "webhookUrl: %v", err)
	}

	apiKey, err := auth.GenerateNonce()
	if err != nil {
		return model.Provider{}, err
	}
	secret, err := auth.GenerateNonce()
	if err != nil {
		return model.Provider{}, err
	}
	apiKey = "pk_" + apiKey
	provider, err := s.store.Providers().Create(ctx, model.Provider{
		Name:          name,
		APIKeyHash:    auth.HashToken(apiKey),
		RedirectURI:   redirectURI,
		WebhookURL:    webhookURL,
		WebhookSecret: "whsec_" + secret,
	})
	if err != nil {
		return model.Provider{}, fmt.Errorf("create provider: %w", err)
	}
	provider.APIKey = apiKey
	return provider, nil
}

func validateURL(raw string, optional bool) error {
	if raw == "" && optional {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	return nil
}

// Create stores a PENDING request for the provider and returns its deep links.
func (s *Service) Create(ctx context.Context, provider model.Provider, in CreateInput) (Created, error) {
	attrs, err := normalizeAttributes(in.RequestedAttributes)
	if err != nil {
		return Created{}, err
	}
	if len(attrs) == 0 {
		return Created{}, model.Errorf(model.KindValidationFailed, "requestedAttributes must not be empty")
	}

	now := s.nowFn()
	expiresAt := now.Add(DefaultTTL)
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return Created{}, model.Errorf(model.KindValidationFailed, "expiresAt must be in the future")
		}
		expiresAt = *in.ExpiresAt
	}
	if in.UserID != nil {
		if _, err := s.store.Users().GetByID(ctx, *in.UserID); err != nil {
			if isNotFound(err) {
				return Created{}, model.Errorf(model.KindNotFound, "user not found")
			}
			return Created{}, fmt.Errorf("load user: %w", err)
		}
	}

	token, err := auth.GenerateNonce()
	if err != nil {
		return Created{}, err
	}
	req, err := s.store.Consents().Create(ctx, model.ConsentRequest{
		ProviderID:          provider.ID,
		UserID:              in.UserID,
		RequestedAttributes: attrs,
		Status:              model.ConsentPending,
		Token:               token,
		ExpiresAt:           expiresAt,
	})
	if err != nil {
		return Created{}, fmt.Errorf("create consent request: %w", err)
	}

	if err := s.audit.Record(ctx, audit.Event{
		Action: model.AuditConsentCreate,
		UserID: req.UserID,
		Metadata: map[string]any{
			"consentRequestId":    req.ID.String(),
			"providerId":          provider.ID.String(),
			"requestedAttributes": attrs,
			"expiresAt":           expiresAt.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return Created{}, fmt.Errorf("audit consent create: %w", err)
	}

	query := "?token=" + url.QueryEscape(token)
	return Created{
		Request:    req,
		ConsentURL: strings.TrimSuffix(provider.RedirectURI, "/") + "/consent/" + req.ID.String() + query,
		QRText:     qrScheme + req.ID.String() + query,
	}, nil
}

// GetForProvider returns one of the provider's requests with its decision.
func (s *Service) GetForProvider(ctx context.Context, provider model.Provider, id uuid.UUID) (View, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	if req.ProviderID != provider.ID {
		return View{}, model.Errorf(model.KindNotFound, "consent request not found")
	}
	if req, err = s.expireIfDue(ctx, req); err != nil {
		return View{}, err
	}

	view := View{Request: req}
	decision, err := s.store.Consents().GetDecision(ctx, req.ID)
	switch {
	case err == nil:
		view.Decision = &decision
	case !isNotFound(err):
		return View{}, fmt.Errorf("load consent decision: %w", err)
	}

	if err := s.audit.Record(ctx, audit.Event{
		Action: model.AuditConsentFetch,
		UserID: req.UserID,
		Metadata: map[string]any{
			"consentRequestId": req.ID.String(),
			"providerId":       provider.ID.String(),
			"status":           string(req.Status),
		},
	}); err != nil {
		return View{}, fmt.Errorf("audit consent fetch: %w", err)
	}
	return view, nil
}

// ListForProvider returns the provider's most recent requests, newest first.
func (s *Service) ListForProvider(ctx context.Context, provider model.Provider, limit int) ([]model.ConsentRequest, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	reqs, err := s.store.Consents().ListByProvider(ctx, provider.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consent requests: %w", err)
	}
	now := s.nowFn()
	for i, req := range reqs {
		if req.Status == model.ConsentPending && !now.Before(req.ExpiresAt) {
			reqs[i].Status = model.ConsentExpired
		}
	}
	return reqs, nil
}

// GetForUser returns a request so the user can review it. Unbound requests need the deep-link token.
func (s *Service) GetForUser(ctx context.Context, caller auth.SessionIdentity, id uuid.UUID, token string) (UserView, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return UserView{}, err
	}
	if err := authorize(req, caller.User, token); err != nil {
		return UserView{}, err
	}
	if req, err = s.expireIfDue(ctx, req); err != nil {
		return UserView{}, err
	}
	provider, err := s.store.Providers().GetByID(ctx, req.ProviderID)
	if err != nil {
		return UserView{}, fmt.Errorf("load provider: %w", err)
	}
	return UserView{Request: req, ProviderName: provider.Name}, nil
}

// Approve grants approved (a non-empty subset of the requested attributes) and denies the rest.
func (s *Service) Approve(ctx context.Context, caller auth.SessionIdentity, id uuid.UUID, token string, approved []string) (Decided, error) {
	return s.decide(ctx, caller, id, token, model.ConsentApproved, approved)
}

// Deny refuses denied (a subset of the requested attributes) and approves the rest.
// A nil list denies everything; an empty one is rejected.
func (s *Service) Deny(ctx context.Context, caller auth.SessionIdentity, id uuid.UUID, token string, denied []string) (Decided, error) {
	return s.decide(ctx, caller, id, token, model.ConsentDenied, denied)
}

func (s *Service) decide(
	ctx context.Context,
	caller auth.SessionIdentity,
	id uuid.UUID,
	token string,
	status model.ConsentStatus,
	chosen []string,
) (Decided, error) {
	denyAll := status == model.ConsentDenied && chosen == nil
	chosen, err := normalizeAttributes(chosen)
	if err != nil {
		return Decided{}, err
	}
	if len(chosen) == 0 && !denyAll {
		return Decided{}, model.Errorf(model.KindValidationFailed, "at least one attribute is required")
	}

	req, err := s.load(ctx, id)
	if err != nil {
		return Decided{}, err
	}
	if err := authorize(req, caller.User, token); err != nil {
		return Decided{}, err
	}
	switch req.Status {
	case model.ConsentPending:
	case model.ConsentExpired:
		return Decided{}, model.Errorf(model.KindGone, "consent request expired")
	default:
		return Decided{}, model.Errorf(model.KindConflict, "consent request already decided")
	}
	if req, err = s.expireIfDue(ctx, req); err != nil {
		return Decided{}, err
	}
	if req.Status == model.ConsentExpired {
		return Decided{}, model.Errorf(model.KindGone, "consent request expired")
	}

	if denyAll {
		chosen = req.RequestedAttributes
	}
	if !subset(chosen, req.RequestedAttributes) {
		return Decided{}, model.Errorf(model.KindInvalidAttributeSet, "attributes must be a subset of requestedAttributes")
	}
	rest := difference(req.RequestedAttributes, chosen)
	approved, denied := chosen, rest
	action := model.AuditConsentApprove
	if status == model.ConsentDenied {
		approved, denied = rest, chosen
		action = model.AuditConsentDeny
	}

	now := s.nowFn()
	var out Decided
	err = s.store.WithTx(ctx, func(tx repo.Repos) error {
		ok, err := tx.Consents().Decide(ctx, req.ID, status, caller.User, now)
		if err != nil {
			return fmt.Errorf("decide consent request: %w", err)
		}
		if !ok {
			return model.Errorf(model.KindConflict, "consent request already decided")
		}
		out.Decision, err = tx.Consents().CreateDecision(ctx, model.ConsentDecision{
			ConsentRequestID:   req.ID,
			ApprovedAttributes: approved,
			DeniedAttributes:   denied,
			DecidedAt:          now,
		})
		if err != nil {
			return fmt.Errorf("create consent decision: %w", err)
		}
		out.Request, err = tx.Consents().GetByID(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("reload consent request: %w", err)
		}
		return s.audit.RecordIn(ctx, tx, audit.Event{
			Action:   action,
			UserID:   audit.Ref(caller.User),
			DeviceID: audit.Ref(caller.Device),
			Metadata: map[string]any{
				"consentRequestId":   req.ID.String(),
				"providerId":         req.ProviderID.String(),
				"approvedAttributes": approved,
				"deniedAttributes":   denied,
			},
		})
	})
	if err != nil {
		return Decided{}, err
	}

	provider, err := s.store.Providers().GetByID(ctx, req.ProviderID)
	if err != nil {
		s.logger.ErrorContext(ctx, "webhook skipped: provider lookup failed",
			"consent_request_id", req.ID.String(), "error", err)
		return out, nil
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, provider, out.Request, out.Decision)
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (model.ConsentRequest, error) {
	req, err := s.store.Consents().GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return model.ConsentRequest{}, model.Errorf(model.KindNotFound, "consent request not found")
		}
		return model.ConsentRequest{}, fmt.Errorf("load consent request: %w", err)
	}
	return req, nil
}

// expireIfDue moves a PENDING request past its expiry to EXPIRED.
func (s *Service) expireIfDue(ctx context.Context, req model.ConsentRequest) (model.ConsentRequest, error) {
	now := s.nowFn()
	if req.Status != model.ConsentPending || now.Before(req.ExpiresAt) {
		return req, nil
	}
	if _, err := s.store.Consents().MarkExpired(ctx, req.ID, now); err != nil {
		return req, fmt.Errorf("expire consent request: %w", err)
	}
	req.Status = model.ConsentExpired
	req.UpdatedAt = now
	return req, nil
}

// authorize lets the bound user through; an unbound request requires its token.
func authorize(req model.ConsentRequest, userID uuid.UUID, token string) error {
	if req.UserID != nil {
		if *req.UserID != userID {
			return model.Errorf(model.KindForbidden, "you cannot access this consent request")
		}
		return nil
	}
	if token == "" || !auth.HashMatches(token, auth.HashToken(req.Token)) {
		return model.Errorf(model.KindForbidden, "consent token required to claim this request")
	}
	return nil
}

// normalizeAttributes trims, drops empties and removes duplicates, keeping first-seen order.
func normalizeAttributes(attrs []string) ([]string, error) {
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		a = strings.TrimSpace(a)
		if a == "" || slices.Contains(out, a) {
			continue
		}
		if len(a) > maxAttributeLength {
			return nil, model.Errorf(model.KindValidationFailed, "attribute names are limited to %d characters", maxAttributeLength)
		}
		out = append(out, a)
	}
	return out, nil
}

func subset(sub, of []string) bool {
	for _, a := range sub {
		if !slices.Contains(of, a) {
			return false
		}
	}
	return true
}

// difference returns the items of all not in remove, in the order of all.
func difference(all, remove []string) []string {
	out := make([]string, 0, len(all))
	for _, a := range all {
		if !slices.Contains(remove, a) {
			out = append(out, a)
		}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
