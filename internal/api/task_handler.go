package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/phrazzld/dispatchd/internal/api/shared"
	"github.com/phrazzld/dispatchd/internal/guard"
	"github.com/phrazzld/dispatchd/internal/task"
)

// IdempotencyKeyHeader carries the client's deduplication key for task
// submissions. Resubmitting with the same key returns the original task.
const IdempotencyKeyHeader = "Idempotency-Key"

// TaskHandler handles task management API requests.
type TaskHandler struct {
	dispatcher        *task.Dispatcher
	defaultMaxRetries int
	validator         *validator.Validate
}

// NewTaskHandler creates a new TaskHandler with the given dependencies.
func NewTaskHandler(dispatcher *task.Dispatcher, defaultMaxRetries int) *TaskHandler {
	return &TaskHandler{
		dispatcher:        dispatcher,
		defaultMaxRetries: defaultMaxRetries,
		validator:         validator.New(),
	}
}

// Submit handles POST /api/tasks. It admits a new task for asynchronous
// execution and returns 202 with the task's initial state.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest

	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	maxRetries := h.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	record := task.NewRecord(req.Name, req.Payload, maxRetries)
	record.EntityKey = req.EntityKey
	record.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)

	if err := h.dispatcher.Enqueue(r.Context(), record); err != nil {
		if errors.Is(err, guard.ErrDuplicateRequest) {
			h.respondDuplicate(w, r, record.IdempotencyKey)
			return
		}
		status := MapErrorToStatusCode(err)
		shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, NewTaskResponse(record))
}

// respondDuplicate returns the recorded outcome of the original submission
// that claimed this idempotency key.
func (h *TaskHandler) respondDuplicate(w http.ResponseWriter, r *http.Request, key string) {
	outcome, ok := h.dispatcher.Outcome(key)
	if !ok {
		// Claim raced with outcome retention expiry. Still a conflict.
		shared.RespondWithError(w, r, http.StatusConflict, "Duplicate submission")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusConflict, DuplicateTaskResponse{
		Error:  "Duplicate submission",
		TaskID: outcome.TaskID,
		Done:   outcome.Done,
	})
}

// Get handles GET /api/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	record, err := h.dispatcher.GetTask(r.Context(), id)
	if err != nil {
		status := MapErrorToStatusCode(err)
		shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(record))
}

// Stats handles GET /api/stats. It returns a snapshot of dispatcher load.
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.dispatcher.Stats())
}
