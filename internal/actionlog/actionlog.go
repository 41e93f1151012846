// Package actionlog implements the Action Log & Persistence component
// (C10): an append-only ActionRecord per dispatched Operation, and the
// audit.Event side channel that mirrors it for real-time tailing.
package actionlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ErrNotFound is returned when an ActionRecord lookup misses.
var ErrNotFound = errors.New("actionlog: not found")

// responseBodyCap bounds the persisted ActionRecord.ResponseBody. This is
// independent of the executor's much smaller LLM_SUMMARY_CAP/ERR_CAP: those
// bound what goes back to the model, this bounds what the store keeps
// around long-term so a single chatty upstream can't blow out storage.
const responseBodyCap = 64 * 1024

// Filter narrows a List query to one org, optionally by status.
type Filter struct {
	OrgID  string
	Status models.ActionStatus // zero value means any status
	Limit  int
	Offset int
}

// Store persists ActionRecords. Writes are append-only: Record only ever
// inserts a new row, it never updates one — a retried or corrected
// dispatch gets its own record with its own CreatedAt.
type Store interface {
	Record(ctx context.Context, rec *models.ActionRecord) error
	List(ctx context.Context, filter Filter) ([]*models.ActionRecord, int, error)
	Get(ctx context.Context, id string) (*models.ActionRecord, error)
}

// Log is the component entry point: it writes the durable ActionRecord and
// emits the matching audit.Event side channel in the same call, so callers
// never have to remember to do both.
type Log struct {
	store  Store
	audit  *audit.Logger
	logger *slog.Logger
}

// New constructs a Log. auditLogger may be a disabled *audit.Logger (per
// audit.NewLogger's Enabled=false short-circuit) when the operator has no
// audit sink configured; ActionRecord writes are unaffected either way.
func New(store Store, auditLogger *audit.Logger, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, audit: auditLogger, logger: logger.With("component", "actionlog")}
}

// RecordDispatch writes the ActionRecord for a completed (or rejected, or
// still-pending) dispatch and mirrors it to the audit side channel. Exactly
// one call is made per dispatched Operation, matching the at-most-once
// invariant enforced upstream by Turn's toolCallId dedup.
func (l *Log) RecordDispatch(ctx context.Context, rec *models.ActionRecord) error {
	if len(rec.ResponseBody) > responseBodyCap {
		rec.ResponseBody = rec.ResponseBody[:responseBodyCap]
	}
	if err := l.store.Record(ctx, rec); err != nil {
		return err
	}
	l.emitAuditEvent(ctx, rec)
	return nil
}

func (l *Log) emitAuditEvent(ctx context.Context, rec *models.ActionRecord) {
	if l.audit == nil {
		return
	}
	switch rec.Status {
	case models.ActionRejected:
		l.audit.LogToolDenied(ctx, "", rec.OperationID, rec.ToolCallID, rec.ErrorMessage, "")
	case models.ActionCompleted, models.ActionFailed:
		success := rec.Status == models.ActionCompleted
		l.audit.LogToolCompletion(ctx, "", rec.OperationID, rec.ToolCallID, success, rec.ResponseBody, durationMs(rec.DurationMs))
	default:
		l.audit.LogToolInvocation(ctx, "", rec.OperationID, rec.ToolCallID, nil, 1)
	}
}

// List returns the ActionRecords matching filter, newest first, for the
// GET /activity endpoint.
func (l *Log) List(ctx context.Context, filter Filter) ([]*models.ActionRecord, int, error) {
	return l.store.List(ctx, filter)
}

func durationMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
