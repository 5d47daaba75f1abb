package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Cycle != 0 {
		lc = lc.Int64("cycle", tc.Cycle)
	}
	if tc.ActionID != "" {
		lc = lc.Str("action_id", tc.ActionID)
	}
	if tc.ActionKind != "" {
		lc = lc.Str("kind", tc.ActionKind)
	}
	if tc.EntityKey != "" {
		lc = lc.Str("entity_key", tc.EntityKey)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// DetachContext returns a context that keeps the tracing values of ctx but
// is not cancelled with it.
func DetachContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// MergeContext merges tracing information from source context into target context
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.Cycle != 0 && GetCycle(target) == 0 {
		target = WithCycle(target, tc.Cycle)
	}

	return target
}

// CloneContext creates a new context with the same tracing information
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	return NewContext(context.Background(), tc)
}
