package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/dispatchd/internal/task"
)

// Common request/response structures

// TokenRequest defines the payload for the token exchange endpoint.
type TokenRequest struct {
	APIKey string `json:"api_key" validate:"required,min=1"`
}

// TokenResponse defines the successful response for the token exchange endpoint.
type TokenResponse struct {
	// AccessToken is the JWT token used for API authorization
	AccessToken string `json:"access_token"`

	// ExpiresAt is the ISO 8601 timestamp when the access token expires
	ExpiresAt string `json:"expires_at"`
}

// SubmitTaskRequest defines the payload for the task submission endpoint.
type SubmitTaskRequest struct {
	// Name selects the registered handler for this task.
	Name string `json:"name" validate:"required,min=1,max=255"`

	// Payload is handler-defined and passed through opaquely.
	Payload json.RawMessage `json:"payload"`

	// EntityKey serializes tasks touching the same entity. Optional.
	EntityKey string `json:"entity_key" validate:"omitempty,max=255"`

	// MaxRetries overrides the configured default retry budget. Optional.
	MaxRetries *int `json:"max_retries" validate:"omitempty,gte=0,lte=100"`
}

// TaskResponse is the API representation of a task record.
type TaskResponse struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	EntityKey  string          `json:"entity_key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	NotBefore  *time.Time      `json:"not_before,omitempty"`
}

// DuplicateTaskResponse is returned when an idempotency key has already
// been claimed by an earlier submission.
type DuplicateTaskResponse struct {
	Error  string    `json:"error"`
	TaskID uuid.UUID `json:"task_id"`
	Done   bool      `json:"done"`
}

// NewTaskResponse converts a task record to its API representation.
func NewTaskResponse(record *task.Record) TaskResponse {
	resp := TaskResponse{
		ID:         record.ID,
		Name:       record.Name,
		Status:     string(record.Status),
		EntityKey:  record.EntityKey,
		Payload:    record.Payload,
		RetryCount: record.RetryCount,
		MaxRetries: record.MaxRetries,
		LastError:  record.LastError,
		CreatedAt:  record.CreatedAt,
	}
	if !record.NotBefore.IsZero() {
		nb := record.NotBefore
		resp.NotBefore = &nb
	}
	return resp
}
