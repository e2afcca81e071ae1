// Package events provides a pluggable event bus for orchestrator-internal
// event distribution. The router, backpressure controller, breaker manager,
// and registry publish events (pressure changed, starvation prevented,
// breaker tripped) and interested components subscribe to relevant topics.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies event categories.
type EventType string

const (
	EventPressureChanged     EventType = "pressure.changed"
	EventStarvationPrevented EventType = "starvation.prevented"
	EventBreakerStateChanged EventType = "breaker.state_changed"
	EventProcessorRegistered EventType = "processor.registered"
	EventProcessorEvicted    EventType = "processor.evicted"
	EventFrameDropped        EventType = "frame.dropped"
	EventAlertFired          EventType = "alert.fired"
)

// Event represents a domain event in the frame fabric.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler processes events of a subscribed type.
type EventHandler func(ctx context.Context, event *Event) error

// Bus provides publish/subscribe for domain events. A local in-process
// implementation is sufficient for a single orchestrator; the interface
// leaves room for a Redis-backed bus in multi-instance deployments.
type Bus interface {
	// Publish sends an event to all subscribers of the event type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())

	// SubscribeAll registers a handler for every event type.
	SubscribeAll(handler EventHandler) (unsubscribe func())

	// Close shuts down the event bus.
	Close() error
}

// wildcard is the internal topic used by SubscribeAll.
const wildcard EventType = "*"

// LocalBus provides an in-memory pub/sub implementation.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriberEntry
	nextID      int
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler EventHandler
}

// NewLocalBus creates a new in-memory event bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

// Publish sends an event to all matching subscribers asynchronously.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	handlers := append([]subscriberEntry{}, b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[wildcard]...)
	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("[EventBus] Handler error", "type", event.Type, "error", err)
			}
		}()
	}

	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *LocalBus) Subscribe(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers a handler invoked for every published event.
func (b *LocalBus) SubscribeAll(handler EventHandler) func() {
	return b.Subscribe(wildcard, handler)
}

// Close shuts down the event bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
