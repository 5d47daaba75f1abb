package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the process run ID
	RunIDKey ContextKey = "run_id"
	// CycleKey is the context key for the cycle number
	CycleKey ContextKey = "cycle"
	// ActionIDKey is the context key for the executing action ID
	ActionIDKey ContextKey = "action_id"
	// ActionKindKey is the context key for the executing action kind
	ActionKindKey ContextKey = "kind"
	// EntityKeyKey is the context key for the target entity
	EntityKeyKey ContextKey = "entity_key"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	RunID      string
	Cycle      int64
	ActionID   string
	ActionKind string
	EntityKey  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithCycle adds a cycle number to the context
func WithCycle(ctx context.Context, cycle int64) context.Context {
	return context.WithValue(ctx, CycleKey, cycle)
}

// WithAction adds the action identity to the context
func WithAction(ctx context.Context, actionID, kind, entityKey string) context.Context {
	ctx = context.WithValue(ctx, ActionIDKey, actionID)
	ctx = context.WithValue(ctx, ActionKindKey, kind)
	if entityKey != "" {
		ctx = context.WithValue(ctx, EntityKeyKey, entityKey)
	}
	return ctx
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetCycle retrieves the cycle number from the context, or 0
func GetCycle(ctx context.Context) int64 {
	if cycle, ok := ctx.Value(CycleKey).(int64); ok {
		return cycle
	}
	return 0
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		Cycle:      GetCycle(ctx),
		ActionID:   getString(ctx, ActionIDKey),
		ActionKind: getString(ctx, ActionKindKey),
		EntityKey:  getString(ctx, EntityKeyKey),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.Cycle != 0 {
		ctx = WithCycle(ctx, tc.Cycle)
	}
	if tc.ActionID != "" {
		ctx = WithAction(ctx, tc.ActionID, tc.ActionKind, tc.EntityKey)
	}
	return ctx
}

// NewRunContext creates a context for one process run with a fresh run ID
func NewRunContext(ctx context.Context) context.Context {
	return WithRunID(ctx, NewRunID())
}

// NewCycleContext creates a context for one cycle with a new trace ID
func NewCycleContext(ctx context.Context, cycle int64) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	return WithCycle(ctx, cycle)
}
