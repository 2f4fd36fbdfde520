package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

const providerColumns = `id, name, api_key_hash, redirect_uri, webhook_url, webhook_secret, created_at`

type providerRepo struct {
	db DBTX
}

// NewProviderRepo creates a new ProviderRepo instance
func NewProviderRepo(db DBTX) ProviderRepo {
	return &providerRepo{db: db}
}

func scanProvider(row rowScanner) (model.Provider, error) {
	var p model.Provider
	var webhookURL, webhookSecret sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.RedirectURI, &webhookURL, &webhookSecret, &p.CreatedAt)
	p.WebhookURL = webhookURL.String
	p.WebhookSecret = webhookSecret.String
	return p, err
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts a provider
func (r *providerRepo) Create(ctx context.Context, p model.Provider) (model.Provider, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO providers (id, name, api_key_hash, redirect_uri, webhook_url, webhook_secret)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, p.ID, p.Name, p.APIKeyHash, p.RedirectURI, nullIfEmpty(p.WebhookURL), nullIfEmpty(p.WebhookSecret)).Scan(&p.CreatedAt)
	if err != nil {
		return model.Provider{}, fmt.Errorf("insert provider: %w", err)
	}
	return p, nil
}

// GetByID retrieves a provider by ID
func (r *providerRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Provider, error) {
	p, err := scanProvider(r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if err != nil {
		return model.Provider{}, notFound("provider", err)
	}
	return p, nil
}

// GetByAPIKeyHash retrieves a provider by the hash of its API key
func (r *providerRepo) GetByAPIKeyHash(ctx context.Context, hash string) (model.Provider, error) {
	p, err := scanProvider(r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE api_key_hash = $1`, hash))
	if err != nil {
		return model.Provider{}, notFound("provider", err)
	}
	return p, nil
}
