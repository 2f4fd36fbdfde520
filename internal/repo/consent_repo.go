package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/devicekey/server/internal/model"
)

const consentColumns = `id, provider_id, user_id, requested_attributes, status, token, expires_at, created_at, updated_at`

type consentRepo struct {
	db DBTX
}

// NewConsentRepo creates a new ConsentRepo instance
func NewConsentRepo(db DBTX) ConsentRepo {
	return &consentRepo{db: db}
}

func scanConsent(row rowScanner) (model.ConsentRequest, error) {
	var c model.ConsentRequest
	var userID uuid.NullUUID
	err := row.Scan(
		&c.ID,
		&c.ProviderID,
		&userID,
		pq.Array(&c.RequestedAttributes),
		&c.Status,
		&c.Token,
		&c.ExpiresAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if userID.Valid {
		id := userID.UUID
		c.UserID = &id
	}
	return c, err
}

// Create inserts a PENDING consent request
func (r *consentRepo) Create(ctx context.Context, req model.ConsentRequest) (model.ConsentRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Status = model.ConsentPending
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO consent_requests (id, provider_id, user_id, requested_attributes, status, token, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, req.ID, req.ProviderID, req.UserID, pq.Array(req.RequestedAttributes), req.Status, req.Token, req.ExpiresAt,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return model.ConsentRequest{}, fmt.Errorf("insert consent request: %w", err)
	}
	return req, nil
}

// GetByID retrieves a consent request by ID
func (r *consentRepo) GetByID(ctx context.Context, id uuid.UUID) (model.ConsentRequest, error) {
	c, err := scanConsent(r.db.QueryRowContext(ctx, `SELECT `+consentColumns+` FROM consent_requests WHERE id = $1`, id))
	if err != nil {
		return model.ConsentRequest{}, notFound("consent request", err)
	}
	return c, nil
}

// ListByProvider returns the provider's most recent consent requests
func (r *consentRepo) ListByProvider(ctx context.Context, providerID uuid.UUID, limit int) ([]model.ConsentRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+consentColumns+`
		FROM consent_requests
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consent requests: %w", err)
	}
	defer rows.Close()

	var out []model.ConsentRequest
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent request: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkExpired moves a PENDING request to EXPIRED
func (r *consentRepo) MarkExpired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE consent_requests SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4
	`, id, model.ConsentExpired, at, model.ConsentPending)
	if err != nil {
		return false, fmt.Errorf("expire consent request: %w", err)
	}
	return affected(result)
}

// Decide is the conditional PENDING -> APPROVED|DENIED transition that also binds the user
func (r *consentRepo) Decide(ctx context.Context, id uuid.UUID, status model.ConsentStatus, userID uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE consent_requests
		SET status = $2, user_id = $3, updated_at = $4
		WHERE id = $1
		  AND status = $5
		  AND expires_at > $4
		  AND (user_id IS NULL OR user_id = $3)
	`, id, status, userID, at, model.ConsentPending)
	if err != nil {
		return false, fmt.Errorf("decide consent request: %w", err)
	}
	return affected(result)
}

// CreateDecision inserts the decision row; at most one per request
func (r *consentRepo) CreateDecision(ctx context.Context, d model.ConsentDecision) (model.ConsentDecision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO consent_decisions (id, consent_request_id, approved_attributes, denied_attributes, decided_at)
		VALUES ($1, $2, $3, $4, $5)
	`, d.ID, d.ConsentRequestID, pq.Array(d.ApprovedAttributes), pq.Array(d.DeniedAttributes), d.DecidedAt)
	if err != nil {
		return model.ConsentDecision{}, fmt.Errorf("insert consent decision: %w", err)
	}
	return d, nil
}

// GetDecision retrieves the decision for a consent request
func (r *consentRepo) GetDecision(ctx context.Context, consentRequestID uuid.UUID) (model.ConsentDecision, error) {
	var d model.ConsentDecision
	err := r.db.QueryRowContext(ctx, `
		SELECT id, consent_request_id, approved_attributes, denied_attributes, decided_at
		FROM consent_decisions
		WHERE consent_request_id = $1
	`, consentRequestID).Scan(
		&d.ID,
		&d.ConsentRequestID,
		pq.Array(&d.ApprovedAttributes),
		pq.Array(&d.DeniedAttributes),
		&d.DecidedAt,
	)
	if err != nil {
		return model.ConsentDecision{}, notFound("consent decision", err)
	}
	return d, nil
}
