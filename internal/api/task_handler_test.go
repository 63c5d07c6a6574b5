package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatchd/internal/retry"
	"github.com/phrazzld/dispatchd/internal/task"
)

func newTestDispatcher(t *testing.T) *task.Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := task.NewDispatcher(
		task.NewMemoryStore(),
		retry.Policy{},
		task.DefaultDispatcherConfig(),
		logger,
	)
	err := d.RegisterHandler("noop", func(ctx context.Context, record *task.Record) error {
		return nil
	})
	require.NoError(t, err)
	return d
}

func newTestRouter(h *TaskHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/tasks", h.Submit)
	r.Get("/api/tasks/{id}", h.Get)
	r.Get("/api/stats", h.Stats)
	return r
}

func submitBody(t *testing.T, req SubmitTaskRequest) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestSubmitTask(t *testing.T) {
	h := NewTaskHandler(newTestDispatcher(t), 3)
	router := newTestRouter(h)

	body := submitBody(t, SubmitTaskRequest{
		Name:    "noop",
		Payload: json.RawMessage(`{"order_id":"abc"}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEqual(t, uuid.Nil, resp.ID)
	assert.Equal(t, "noop", resp.Name)
	assert.Equal(t, string(task.StatusPending), resp.Status)
	assert.Equal(t, 0, resp.RetryCount)
	assert.Equal(t, 3, resp.MaxRetries, "default retry budget applies when not overridden")
}

func TestSubmitTaskMaxRetriesOverride(t *testing.T) {
	h := NewTaskHandler(newTestDispatcher(t), 3)
	router := newTestRouter(h)

	override := 7
	body := submitBody(t, SubmitTaskRequest{Name: "noop", MaxRetries: &override})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 7, resp.MaxRetries)
}

func TestSubmitTaskValidation(t *testing.T) {
	h := NewTaskHandler(newTestDispatcher(t), 3)
	router := newTestRouter(h)

	testCases := []struct {
		name string
		body io.Reader
	}{
		{name: "malformed JSON", body: bytes.NewReader([]byte(`{`))},
		{name: "missing name", body: bytes.NewReader([]byte(`{"payload":{}}`))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/tasks", tc.body)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitTaskUnknownHandler(t *testing.T) {
	h := NewTaskHandler(newTestDispatcher(t), 3)
	router := newTestRouter(h)

	body := submitBody(t, SubmitTaskRequest{Name: "no-such-task"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTaskIdempotency(t *testing.T) {
	h := NewTaskHandler(newTestDispatcher(t), 3)
	router := newTestRouter(h)

	send := func() *httptest.ResponseRecorder {
		body := submitBody(t, SubmitTaskRequest{Name: "noop"})
		req := httptest.NewRequest(http.MethodPost, "/api/tasks", body)
		req.Header.Set(IdempotencyKeyHeader, "req-42")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusAccepted, first.Code)

	var created TaskResponse
	require.NoError(t, json.NewDecoder(first.Body).Decode(&created))

	second := send()
	require.Equal(t, http.StatusConflict, second.Code)

	var dup DuplicateTaskResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&dup))
	assert.Equal(t, created.ID, dup.TaskID, "duplicate points at the original task")
	assert.False(t, dup.Done)
}

func TestGetTask(t *testing.T) {
	d := newTestDispatcher(t)
	h := NewTaskHandler(d, 3)
	router := newTestRouter(h)

	record := task.NewRecord("noop", nil, 3)
	require.NoError(t, d.Enqueue(context.Background(), record))

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+record.ID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp TaskResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, record.ID, resp.ID)
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+uuid.NewString(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks/not-a-uuid", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStats(t *testing.T) {
	h := NewTaskHandler(newTestDispatcher(t), 3)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats task.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 4, stats.Capacity)
}
