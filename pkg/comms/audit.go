package comms

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const auditLogPrefix = "comms:audit"

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// AuditEntry records one cross-module action.
type AuditEntry struct {
	Action    string                 `json:"action"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target,omitempty"`
	CallerID  string                 `json:"callerId,omitempty"`
	TenantID  string                 `json:"tenantId,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditSink receives audit entries. Record must not block the caller for long
// and its failures never affect the audited call.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// NoOpAuditSink discards entries.
type NoOpAuditSink struct{}

// Record does nothing.
func (NoOpAuditSink) Record(context.Context, AuditEntry) {}

// LogAuditSink writes entries to the default logger.
type LogAuditSink struct{}

// Record logs the entry at info level, or warn for denials.
func (LogAuditSink) Record(_ context.Context, e AuditEntry) {
	msg := fmt.Sprintf("%s - %s %s source=%s target=%s caller=%s code=%s",
		auditLogPrefix, e.Action, e.Outcome, e.Source, e.Target, e.CallerID, e.Code)
	if e.Outcome == OutcomeDenied {
		slog.Warn(msg)
		return
	}
	slog.Info(msg)
}
