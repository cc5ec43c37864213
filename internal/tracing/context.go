package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the pipeline run ID
	RunIDKey ContextKey = "run_id"
	// SessionKeyKey is the context key for the session key (user_id/session_id)
	SessionKeyKey ContextKey = "session_key"
	// StageKey is the context key for the stage currently executing
	StageKey ContextKey = "stage"
)

// TraceContext holds tracing information carried through a pipeline run
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionKey string
	Stage      string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a short, URL-safe run ID
func NewRunID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return uuid.New().String()
	}
	return "run_" + id
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithStage adds the executing stage name to the context
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, StageKey, stage)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string { return stringValue(ctx, RunIDKey) }

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string { return stringValue(ctx, SessionKeyKey) }

// GetStage retrieves the stage name from the context
func GetStage(ctx context.Context) string { return stringValue(ctx, StageKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		SessionKey: GetSessionKey(ctx),
		Stage:      GetStage(ctx),
	}
}

// NewRequestContext creates a new context for a request with a new trace ID.
// An existing trace ID is kept.
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext creates a context for one pipeline run on the given session.
func NewRunContext(ctx context.Context, runID, sessionKey string) context.Context {
	ctx = NewRequestContext(ctx)
	ctx = WithRunID(ctx, runID)
	return WithSessionKey(ctx, sessionKey)
}
