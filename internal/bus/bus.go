// Package bus provides the in-process publish-subscribe channel for
// observability events: session lifecycle, agent responses, tool calls,
// metrics updates, and errors.
//
// Publication fans out concurrently over a snapshot of the subscriber list.
// A failing or panicking subscriber is logged and skipped for that event but
// never implicitly unsubscribed.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event type names published on the bus.
const (
	EventSessionCreated        = "session_created"
	EventSessionDestroyed      = "session_destroyed"
	EventMessageReceived       = "message_received"
	EventAgentResponseStart    = "agent_response_start"
	EventAgentResponseChunk    = "agent_response_chunk"
	EventAgentResponseComplete = "agent_response_complete"
	EventToolCallStart         = "tool_call_start"
	EventToolCallComplete      = "tool_call_complete"
	EventToolCallError         = "tool_call_error"
	EventMetricsUpdated        = "metrics_updated"
	EventError                 = "error"
)

// Event is a single observability record.
type Event struct {
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives published events. Implementations must tolerate
// concurrent invocation; a returned error is logged, nothing more.
type Subscriber func(ctx context.Context, ev Event) error

// Bus is a process-wide event fan-out. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Subscriber
	logger *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]Subscriber),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers fn and returns an id usable with Unsubscribe.
func (b *Bus) Subscribe(fn Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	return id
}

// Unsubscribe removes the subscriber with the given id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber concurrently and waits for all of
// them to return. Subscriber errors and panics are logged; they never
// propagate to the publisher and never drop the subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]Subscriber, 0, len(b.subs))
	for _, fn := range b.subs {
		snapshot = append(snapshot, fn)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, fn := range snapshot {
		wg.Add(1)
		go func(fn Subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panicked",
						"event_type", ev.EventType, "panic", r)
				}
			}()
			if err := fn(ctx, ev); err != nil {
				b.logger.Warn("subscriber failed",
					"event_type", ev.EventType, "error", err)
			}
		}(fn)
	}
	wg.Wait()
}

// Emit is a convenience wrapper that builds and publishes an event.
func (b *Bus) Emit(ctx context.Context, eventType, sessionID string, data map[string]any) {
	b.Publish(ctx, Event{
		EventType: eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	})
}
