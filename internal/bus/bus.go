// Package bus provides a small in-process pub/sub used to surface
// connection status changes and errors to whatever host UI wraps the core.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is one status notification.
type Event struct {
	Type      string         // e.g. "connection.error", "generation.started"
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// Bus dispatches events to registered handlers. Handlers run synchronously
// in registration order; a panicking handler is recovered and logged so one
// bad subscriber cannot take down the event source.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	nextID   int
	logger   *slog.Logger
}

type namedHandler struct {
	id string
	fn Handler
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type. Use "*" to receive every
// event. Returns an ID for Off.
func (b *Bus) On(eventType string, fn Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := eventType + "-" + strconv.Itoa(b.nextID)
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{id: id, fn: fn})
	return id
}

// Off removes a handler by ID.
func (b *Bus) Off(eventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[eventType]
	for i, h := range handlers {
		if h.id == id {
			b.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to handlers for its type, then wildcard handlers.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]namedHandler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(event, h)
	}
}

func (b *Bus) dispatch(event Event, h namedHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", event.Type, "handler", h.id, "panic", r)
		}
	}()
	h.fn(event)
}

// Event types emitted by the core.
const (
	EventConnected           = "connection.connected"
	EventConnectionStopped   = "connection.stopped"
	EventConnectionError     = "connection.error"
	EventGenerationStarted   = "generation.started"
	EventGenerationFinished  = "generation.finished"
	EventGenerationCancelled = "generation.cancelled"
	EventSessionCreated      = "session.created"
	EventPaymentRequired     = "payment.required"
	EventDwellFlushed        = "dwell.flushed"
)
