package control

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/harun/autolab/internal/observability"
	"github.com/harun/autolab/internal/tracing"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans lifecycle events out to every websocket client. It
// implements observability.Sink and never blocks on a slow client.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Emit converts event to an EventMessage and broadcasts it.
func (b *EventBroadcaster) Emit(ctx context.Context, event observability.Event) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := EventMessage{
		Event:      string(event.Type),
		Timestamp:  ts.UnixMilli(),
		Cycle:      event.Cycle,
		ActionID:   event.ActionID,
		Kind:       event.Kind,
		EntityKey:  event.EntityKey,
		Status:     event.Status,
		Message:    event.Message,
		DurationMs: event.Duration.Milliseconds(),
		Data:       event.Data,
	}
	if tc := tracing.FromContext(ctx); tc != nil {
		msg.TraceID = tc.TraceID
		msg.RunID = tc.RunID
		if msg.Cycle == 0 {
			msg.Cycle = tc.Cycle
		}
	}
	b.Broadcast(msg)
}

// Broadcast sends msg to all clients.
func (b *EventBroadcaster) Broadcast(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	dropped := 0
	for _, client := range clients {
		if !client.enqueue(data) {
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Warn().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Int("dropped", dropped).
			Int("clients", len(clients)).
			Msg("Event dropped for slow clients")
	}
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
