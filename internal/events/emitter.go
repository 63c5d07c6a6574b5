package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// InMemoryEventEmitter is an idempotent implementation of the EventEmitter
// interface: it stores registered handlers in memory, dispatches each
// event ID at most once, and silently drops replays so a duplicated
// upstream delivery cannot cause double effects.
type InMemoryEventEmitter struct {
	handlers []EventHandler
	seen     map[uuid.UUID]struct{}
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewInMemoryEventEmitter creates a new instance of InMemoryEventEmitter.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		handlers: make([]EventHandler, 0),
		seen:     make(map[uuid.UUID]struct{}),
		logger:   logger.With("component", "in_memory_event_emitter"),
	}
}

// RegisterHandler adds a new event handler to receive events.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	e.logger.Debug("registered new event handler", "handler_count", len(e.handlers))
}

// EmitEvent publishes the given event to all registered handlers. An event
// ID that was already emitted is dropped without invoking any handler.
// If any handler returns an error, the event is still sent to all other
// handlers, and the first error encountered is returned.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *TaskRequestEvent) error {
	e.mu.Lock()
	if _, dup := e.seen[event.ID]; dup {
		e.mu.Unlock()
		e.logger.Debug("dropping duplicate event",
			"event_id", event.ID,
			"event_type", event.Type)
		return nil
	}
	e.seen[event.ID] = struct{}{}
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	e.logger.Debug("emitting event",
		"event_id", event.ID,
		"event_type", event.Type,
		"handler_count", len(handlers))

	if len(handlers) == 0 {
		e.logger.Warn("no handlers registered for event",
			"event_id", event.ID,
			"event_type", event.Type)
		return nil
	}

	var firstErr error
	for i, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			e.logger.Error("handler failed to process event",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"event_type", event.Type)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
