// Package audit persists audit events and mirrors them to the structured log.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/model"
	"github.com/devicekey/server/internal/repo"
)

// Metadata keys shared with the recovery abuse check.
const (
	MetaPhone            = "phone"
	MetaRecoveryCodeHash = "recoveryCodeHash"
	MetaReason           = "reason"
)

// Event is one audited action.
type Event struct {
	Action   model.AuditAction
	UserID   *uuid.UUID
	DeviceID *uuid.UUID
	Metadata map[string]any
}

// Recorder writes audit events. Writes are awaited so evidentiary entries exist before a response is sent.
type Recorder struct {
	store  repo.Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewRecorder creates a Recorder writing to store
func NewRecorder(store repo.Store, logger *slog.Logger, nowFn func() time.Time) *Recorder {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Recorder{store: store, logger: logging.Module(logger, "audit"), nowFn: nowFn}
}

// Record writes e outside any transaction. Use it for failure paths whose
// surrounding transaction, if any, has been rolled back.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	return r.RecordIn(ctx, r.store, e)
}

// RecordIn writes e through the given repositories, typically a transaction, so the
// entry commits or rolls back with the change it describes.
func (r *Recorder) RecordIn(ctx context.Context, repos repo.Repos, e Event) error {
	entry := model.AuditEntry{
		ID:        uuid.New(),
		Action:    e.Action,
		UserID:    e.UserID,
		DeviceID:  e.DeviceID,
		Metadata:  e.Metadata,
		CreatedAt: r.nowFn(),
	}
	if err := repos.Audit().Insert(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "audit write failed", "action", string(e.Action), "error", err)
		return err
	}
	r.logger.InfoContext(ctx, "audit", r.fields(e)...)
	return nil
}

// Fail records a failure-path event. A write error is logged by RecordIn and
// otherwise ignored so the caller can still report the original failure.
func (r *Recorder) Fail(ctx context.Context, e Event) {
	_ = r.Record(ctx, e)
}

func (r *Recorder) fields(e Event) []any {
	fields := []any{"action", string(e.Action)}
	if e.UserID != nil {
		fields = append(fields, "user_id", e.UserID.String())
	}
	if e.DeviceID != nil {
		fields = append(fields, "device_id", e.DeviceID.String())
	}
	for k, v := range e.Metadata {
		if k == MetaPhone {
			if s, ok := v.(string); ok {
				v = logging.MaskPhone(s)
			}
		}
		fields = append(fields, "meta_"+k, v)
	}
	return fields
}

// Ref returns a pointer to id for the optional UserID / DeviceID fields.
func Ref(id uuid.UUID) *uuid.UUID {
	return &id
}
