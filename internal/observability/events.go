package observability

import (
	"context"
	"time"

	"github.com/harun/autolab/internal/tracing"
	"github.com/rs/zerolog"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCycleStarted   EventType = "cycle_started"
	EventCycleCompleted EventType = "cycle_completed"
	EventActionFinished EventType = "action_finished"
	EventActionDeferred EventType = "action_deferred"
	EventStoreError     EventType = "store_write_error"
	EventInsight        EventType = "insight"
	EventBackoff        EventType = "backoff"
	EventStateChanged   EventType = "state_changed"
	EventGoalsReloaded  EventType = "goals_reloaded"
)

// Event is a structured lifecycle notification.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Cycle     int64                  `json:"cycle,omitempty"`
	ActionID  string                 `json:"action_id,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	EntityKey string                 `json:"entity_key,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Sink receives lifecycle events. Emit must not block for long; it is called
// from the coordinator and from executor workers.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Emit(ctx context.Context, event Event) {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	var entry *zerolog.Event
	switch event.Type {
	case EventBackoff, EventStoreError:
		entry = logger.Warn()
	case EventActionFinished:
		if event.Status == "success" {
			entry = logger.Debug()
		} else {
			entry = logger.Warn()
		}
	case EventActionDeferred, EventStateChanged:
		entry = logger.Debug()
	default:
		entry = logger.Info()
	}

	entry = entry.Str("event", string(event.Type))
	if event.Cycle != 0 {
		entry = entry.Int64("cycle", event.Cycle)
	}
	if event.ActionID != "" {
		entry = entry.Str("action_id", event.ActionID)
	}
	if event.Kind != "" {
		entry = entry.Str("kind", event.Kind)
	}
	if event.EntityKey != "" {
		entry = entry.Str("entity_key", event.EntityKey)
	}
	if event.Status != "" {
		entry = entry.Str("status", event.Status)
	}
	if event.Duration > 0 {
		entry = entry.Dur("duration", event.Duration)
	}
	if len(event.Data) > 0 {
		entry = entry.Fields(event.Data)
	}
	entry.Msg(event.Message)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sink := range f {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}
