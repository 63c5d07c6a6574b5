package events

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// countingHandler implements EventHandler for testing
type countingHandler struct {
	calls atomic.Int32
	err   error
}

func (h *countingHandler) HandleEvent(ctx context.Context, event *TaskRequestEvent) error {
	h.calls.Add(1)
	return h.err
}

func TestNewTaskRequestEvent(t *testing.T) {
	event, err := NewTaskRequestEvent("charge_order", map[string]string{"order_id": "42"})
	require.NoError(t, err)

	assert.Equal(t, "charge_order", event.Type)
	assert.False(t, event.CreatedAt.IsZero())

	var payload struct {
		OrderID string `json:"order_id"`
	}
	require.NoError(t, event.UnmarshalPayload(&payload))
	assert.Equal(t, "42", payload.OrderID)
}

func TestEmitEventFansOut(t *testing.T) {
	emitter := NewInMemoryEventEmitter(setupTestLogger())
	h1 := &countingHandler{}
	h2 := &countingHandler{}
	emitter.RegisterHandler(h1)
	emitter.RegisterHandler(h2)

	event, err := NewTaskRequestEvent("t", nil)
	require.NoError(t, err)

	require.NoError(t, emitter.EmitEvent(context.Background(), event))
	assert.Equal(t, int32(1), h1.calls.Load())
	assert.Equal(t, int32(1), h2.calls.Load())
}

func TestEmitEventDropsDuplicates(t *testing.T) {
	emitter := NewInMemoryEventEmitter(setupTestLogger())
	h := &countingHandler{}
	emitter.RegisterHandler(h)

	event, err := NewTaskRequestEvent("t", nil)
	require.NoError(t, err)

	require.NoError(t, emitter.EmitEvent(context.Background(), event))
	require.NoError(t, emitter.EmitEvent(context.Background(), event))
	require.NoError(t, emitter.EmitEvent(context.Background(), event))

	assert.Equal(t, int32(1), h.calls.Load(),
		"replayed event IDs must not reach handlers")
}

func TestEmitEventHandlerErrorDoesNotStopFanOut(t *testing.T) {
	emitter := NewInMemoryEventEmitter(setupTestLogger())
	failing := &countingHandler{err: errors.New("handler broken")}
	ok := &countingHandler{}
	emitter.RegisterHandler(failing)
	emitter.RegisterHandler(ok)

	event, err := NewTaskRequestEvent("t", nil)
	require.NoError(t, err)

	emitErr := emitter.EmitEvent(context.Background(), event)
	assert.EqualError(t, emitErr, "handler broken")
	assert.Equal(t, int32(1), ok.calls.Load(), "later handlers still run")
}

func TestEmitEventNoHandlers(t *testing.T) {
	emitter := NewInMemoryEventEmitter(setupTestLogger())

	event, err := NewTaskRequestEvent("t", nil)
	require.NoError(t, err)

	assert.NoError(t, emitter.EmitEvent(context.Background(), event))
}
