package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task record.
type Status string

// Possible task status values
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// ErrIllegalTransition is returned when a status change is not allowed
// by the state machine. The record is left unmodified.
var ErrIllegalTransition = errors.New("illegal task state transition")

// ErrRetriesExhausted is returned when a failure spends the last of the
// retry budget and the record transitions to dead.
var ErrRetriesExhausted = errors.New("task retries exhausted")

// CanTransitionTo reports whether the state machine allows moving from s
// to next. The only cycle is pending<->running (retries); completed and
// dead are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusPending || next == StatusCompleted || next == StatusDead
	default:
		// completed and dead are terminal
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// Record represents one unit of background work moving through the
// dispatcher. Many records may share an EntityKey, but the dispatcher
// guarantees at most one of them is running at any instant.
type Record struct {
	// ID is the record's unique identifier.
	ID uuid.UUID

	// Name selects the registered handler that processes this record.
	Name string

	// Payload is opaque task data passed to the handler as JSON.
	Payload json.RawMessage

	// EntityKey identifies the logical resource this task mutates.
	// Records sharing an entity key are processed sequentially.
	// Empty means no serialization constraint.
	EntityKey string

	// IdempotencyKey, when set, suppresses duplicate submissions: a replay
	// of an already-processed key returns the recorded outcome instead of
	// executing again.
	IdempotencyKey string

	// Status is the current state machine position.
	Status Status

	// RetryCount is incremented exactly once per failed attempt.
	RetryCount int

	// MaxRetries bounds retries. A failure while RetryCount == MaxRetries
	// transitions the record to dead, so a record is attempted at most
	// MaxRetries+1 times and a dead record has RetryCount == MaxRetries.
	MaxRetries int

	// LastError holds the message of the most recent handler failure.
	LastError string

	// CreatedAt is stamped when the record is constructed.
	CreatedAt time.Time

	// LastAttemptAt is stamped each time the record enters running.
	LastAttemptAt time.Time

	// NotBefore delays eligibility after a retry backoff. Zero means
	// immediately eligible.
	NotBefore time.Time

	// LeaseExpiresAt is the worker's time-bounded claim on a running
	// record. The reaper requeues running records whose lease expired.
	LeaseExpiresAt time.Time
}

// NewRecord creates a pending record for the named handler.
func NewRecord(name string, payload json.RawMessage, maxRetries int) *Record {
	return &Record{
		ID:         uuid.New(),
		Name:       name,
		Payload:    payload,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

// transition applies a status change after consulting the state machine.
func (r *Record) transition(next Status) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, r.Status, next, r.ID)
	}
	r.Status = next
	return nil
}

// MarkRunning moves the record to running, stamping the attempt time and
// taking a lease that expires after leaseDuration. A zero leaseDuration
// leaves the lease unset (no reaper coverage).
func (r *Record) MarkRunning(now time.Time, leaseDuration time.Duration) error {
	if err := r.transition(StatusRunning); err != nil {
		return err
	}
	r.LastAttemptAt = now
	if leaseDuration > 0 {
		r.LeaseExpiresAt = now.Add(leaseDuration)
	}
	return nil
}

// MarkCompleted moves the record to its successful terminal state.
func (r *Record) MarkCompleted() error {
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	r.LastError = ""
	r.LeaseExpiresAt = time.Time{}
	return nil
}

// MarkRetry records a failed attempt. Within the retry budget the record
// returns to pending, eligible again once backoff has elapsed. When the
// budget is spent the record transitions to dead instead and
// ErrRetriesExhausted is returned.
func (r *Record) MarkRetry(now time.Time, backoff time.Duration, cause error) error {
	if r.RetryCount >= r.MaxRetries {
		return r.MarkDead(cause)
	}
	if err := r.transition(StatusPending); err != nil {
		return err
	}
	r.RetryCount++
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.NotBefore = now.Add(backoff)
	r.LeaseExpiresAt = time.Time{}
	return nil
}

// MarkDead moves the record to its failed terminal state and reports
// ErrRetriesExhausted so callers can surface the terminal failure.
func (r *Record) MarkDead(cause error) error {
	if err := r.transition(StatusDead); err != nil {
		return err
	}
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.LeaseExpiresAt = time.Time{}
	return fmt.Errorf("%w: task %s after %d retries: %s", ErrRetriesExhausted, r.ID, r.RetryCount, r.LastError)
}

// MarkRecovered resets an interrupted running record back to pending
// without spending retry budget. Used at startup for records orphaned by
// a previous process.
func (r *Record) MarkRecovered() error {
	if err := r.transition(StatusPending); err != nil {
		return err
	}
	r.NotBefore = time.Time{}
	r.LeaseExpiresAt = time.Time{}
	return nil
}

// Eligible reports whether the record may be handed to a worker at the
// given instant: it must be pending and past any retry backoff.
func (r *Record) Eligible(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.NotBefore)
}

// LeaseExpired reports whether a running record's lease has lapsed,
// meaning its worker is presumed crashed.
func (r *Record) LeaseExpired(now time.Time) bool {
	return r.Status == StatusRunning && !r.LeaseExpiresAt.IsZero() && now.After(r.LeaseExpiresAt)
}
