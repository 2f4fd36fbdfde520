package consent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/model"
)

// Webhook signature headers
const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// WebhookPayload is the JSON body POSTed to a provider once a request is decided
type WebhookPayload struct {
	ConsentRequestID    string          `json:"consentRequestId"`
	ProviderID          string          `json:"providerId"`
	UserID              *string         `json:"userId"`
	Status              string          `json:"status"`
	RequestedAttributes []string        `json:"requestedAttributes"`
	Decision            WebhookDecision `json:"decision"`
}

// WebhookDecision is the decision part of WebhookPayload
type WebhookDecision struct {
	ApprovedAttributes []string `json:"approvedAttributes"`
	DeniedAttributes   []string `json:"deniedAttributes"`
	DecidedAt          string   `json:"decidedAt"`
}

// Dispatcher delivers decision webhooks in the background, one attempt each.
// Outcomes are audited; failures never reach the deciding user.
type Dispatcher struct {
	client *http.Client
	audit  *audit.Recorder
	logger *slog.Logger
	nowFn  func() time.Time
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher whose requests give up after timeout
func NewDispatcher(recorder *audit.Recorder, timeout time.Duration, logger *slog.Logger, nowFn func() time.Time) *Dispatcher {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		audit:  recorder,
		logger: logging.Module(logger, "webhook"),
		nowFn:  nowFn,
	}
}

// Notify starts delivery and returns immediately. Providers without a webhook URL are skipped.
func (d *Dispatcher) Notify(ctx context.Context, provider model.Provider, req model.ConsentRequest, decision model.ConsentDecision) {
	if provider.WebhookURL == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(ctx, provider, req, decision)
	}()
}

// Wait blocks until every started delivery has finished. Call it on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, provider model.Provider, req model.ConsentRequest, decision model.ConsentDecision) {
	meta := map[string]any{
		"consentRequestId": req.ID.String(),
		"providerId":       provider.ID.String(),
		"webhookUrl":       provider.WebhookURL,
	}

	statusCode, err := d.post(ctx, provider, BuildPayload(req, decision))
	if statusCode != 0 {
		meta["statusCode"] = statusCode
	}
	if err != nil {
		meta["error"] = err.Error()
		d.logger.WarnContext(ctx, "webhook delivery failed",
			"consent_request_id", req.ID.String(), "provider_id", provider.ID.String(), "error", err)
		d.audit.Fail(ctx, audit.Event{Action: model.AuditConsentWebhookFail, UserID: req.UserID, Metadata: meta})
		return
	}
	if err := d.audit.Record(ctx, audit.Event{Action: model.AuditConsentWebhookSent, UserID: req.UserID, Metadata: meta}); err != nil {
		d.logger.ErrorContext(ctx, "webhook delivered but audit failed",
			"consent_request_id", req.ID.String(), "provider_id", provider.ID.String(), "error", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, provider model.Provider, payload WebhookPayload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if provider.WebhookSecret != "" {
		ts := strconv.FormatInt(d.nowFn().Unix(), 10)
		httpReq.Header.Set(HeaderTimestamp, ts)
		httpReq.Header.Set(HeaderSignature, "sha256="+Sign(provider.WebhookSecret, ts, body))
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// BuildPayload renders the webhook body for a decided request.
func BuildPayload(req model.ConsentRequest, decision model.ConsentDecision) WebhookPayload {
	var userID *string
	if req.UserID != nil {
		s := req.UserID.String()
		userID = &s
	}
	return WebhookPayload{
		ConsentRequestID:    req.ID.String(),
		ProviderID:          req.ProviderID.String(),
		UserID:              userID,
		Status:              string(req.Status),
		RequestedAttributes: req.RequestedAttributes,
		Decision: WebhookDecision{
			ApprovedAttributes: nonNil(decision.ApprovedAttributes),
			DeniedAttributes:   nonNil(decision.DeniedAttributes),
			DecidedAt:          decision.DecidedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
