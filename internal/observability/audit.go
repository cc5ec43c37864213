package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the run audit trail.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	SessionKey string         `json:"session_key"`
	Status     string         `json:"status"`
	Stages     int            `json:"stages_completed"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
}

// AuditLogger writes one JSON line per finished pipeline run.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger. It discards events until
// InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	a := auditInst
	auditMu.RUnlock()
	if a != nil {
		return a
	}
	return &AuditLogger{logger: zerolog.Nop()}
}

// InitAuditLogger points the audit trail at path, appending.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst != nil {
		_ = auditInst.Close()
	}
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// Record writes event and mirrors it on the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent("run."+event.Status, trace.WithAttributes(
			attribute.String("audit.run_id", event.RunID),
			attribute.Int("audit.stages_completed", event.Stages),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("run_id", event.RunID).
		Str("session_key", event.SessionKey).
		Str("status", event.Status).
		Int("stages_completed", event.Stages).
		Str("trace_id", event.TraceID)
	if event.ErrorKind != "" {
		entry = entry.Str("error_kind", event.ErrorKind)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit file, if any.
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

// RecordRunAudit appends a run outcome to the audit trail.
func RecordRunAudit(ctx context.Context, runID, sessionKey, status string, stages int, errorKind string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		RunID:      runID,
		SessionKey: sessionKey,
		Status:     status,
		Stages:     stages,
		ErrorKind:  errorKind,
	})
}
