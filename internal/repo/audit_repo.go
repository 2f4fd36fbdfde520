package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/devicekey/server/internal/model"
)

type auditRepo struct {
	db DBTX
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db DBTX) AuditRepo {
	return &auditRepo{db: db}
}

// Insert appends an audit entry; metadata is stored as jsonb
func (r *auditRepo) Insert(ctx context.Context, e model.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, user_id, device_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Action, e.UserID, e.DeviceID, string(raw), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// CountRecent counts matching entries created at or after since
func (r *auditRepo) CountRecent(ctx context.Context, actions []model.AuditAction, metaKey, metaValue string, since time.Time) (int, error) {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM audit_logs
		WHERE action = ANY($1)
		  AND metadata->>$2 = $3
		  AND created_at >= $4
	`, pq.Array(names), metaKey, metaValue, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit logs: %w", err)
	}
	return n, nil
}
