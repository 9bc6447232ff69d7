package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the session audit trail
type AuditEvent struct {
	Type      string                 `json:"event_type"` // session, config
	Timestamp time.Time              `json:"timestamp"`
	Subject   string                 `json:"subject,omitempty"` // session id or config key
	Action    string                 `json:"action"`            // e.g. "create", "stop", "tag"
	Status    string                 `json:"status"`            // "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst = NewAuditLogger(io.Discard)
)

// NewAuditLogger creates an audit logger writing to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// GetAuditLogger returns the global audit logger. It discards events until
// InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger points the global audit logger at an append-only file.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	a := NewAuditLogger(file)
	a.file = file

	auditMu.Lock()
	prev := auditInst
	auditInst = a
	auditMu.Unlock()

	return prev.Close()
}

// Record emits an audit event and mirrors it onto the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Type+"."+event.Action, trace.WithAttributes(
			attribute.String("audit.status", event.Status),
			attribute.String("audit.subject", event.Subject),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("subject", event.Subject).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

func RecordSessionAudit(ctx context.Context, action, sessionID string, err error, metadata map[string]interface{}) {
	st := "success"
	if err != nil {
		st = "failure"
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["error"] = err.Error()
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "session",
		Subject:  sessionID,
		Action:   action,
		Status:   st,
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, key string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:    "config",
		Subject: key,
		Action:  action,
		Status:  "success",
	})
}
