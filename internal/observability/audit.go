package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditSink appends every event to a JSON lines file and mirrors it as a span
// event when the context carries a recording span.
type AuditSink struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

// NewAuditSink opens (or creates) the audit file at path.
func NewAuditSink(path string) (*AuditSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &AuditSink{
		logger: zerolog.New(file),
		closer: file,
	}, nil
}

// NewAuditWriterSink writes audit lines to w.
func NewAuditWriterSink(w io.Writer) *AuditSink {
	return &AuditSink{logger: zerolog.New(w)}
}

// Emit records the event.
func (a *AuditSink) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	traceID := ""
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent(string(event.Type), trace.WithAttributes(
			attribute.Int64("autolab.cycle", event.Cycle),
			attribute.String("autolab.kind", event.Kind),
			attribute.String("autolab.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Int64("cycle", event.Cycle)

	if event.ActionID != "" {
		entry.Str("action_id", event.ActionID)
	}
	if event.Kind != "" {
		entry.Str("kind", event.Kind)
	}
	if event.EntityKey != "" {
		entry.Str("entity_key", event.EntityKey)
	}
	if event.Status != "" {
		entry.Str("status", event.Status)
	}
	if event.Message != "" {
		entry.Str("message", event.Message)
	}
	if event.Duration > 0 {
		entry.Dur("duration", event.Duration)
	}
	if traceID != "" {
		entry.Str("trace_id", traceID)
	}
	if event.Data != nil {
		entry.Interface("data", event.Data)
	}

	entry.Send()
}

// Close closes the audit file handle
func (a *AuditSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}
