package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned by store lookups for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Store defines the interface for persisting task records. The dispatcher
// only depends on this interface; durability is the implementation's
// concern (see internal/platform/postgres for the durable variant).
type Store interface {
	// Save persists a new task record.
	Save(ctx context.Context, record *Record) error

	// Update persists the record's current state (status, retry count,
	// timestamps, last error).
	Update(ctx context.Context, record *Record) error

	// Get retrieves a record by ID, or ErrTaskNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// PendingTasks retrieves all records with "pending" status, oldest
	// first.
	PendingTasks(ctx context.Context) ([]*Record, error)

	// RunningTasks retrieves records with "running" status. If olderThan
	// is non-zero, only records whose last attempt started more than
	// olderThan ago are returned.
	RunningTasks(ctx context.Context, olderThan time.Duration) ([]*Record, error)

	// ExtendLease pushes a running record's lease out to expiresAt. Used
	// by worker heartbeats so the reaper does not requeue live work.
	ExtendLease(ctx context.Context, id uuid.UUID, expiresAt time.Time) error

	// Delete removes a record. Used to roll back a Save when admission
	// fails partway; deleting an unknown ID returns ErrTaskNotFound.
	Delete(ctx context.Context, id uuid.UUID) error
}

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// standalone (non-durable) deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*Record),
	}
}

// Save persists a new record.
func (s *MemoryStore) Save(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records[record.ID] = &cp
	return nil
}

// Update persists the record's current state.
func (s *MemoryStore) Update(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; !ok {
		return ErrTaskNotFound
	}
	cp := *record
	s.records[record.ID] = &cp
	return nil
}

// Get retrieves a copy of the record by ID.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *r
	return &cp, nil
}

// PendingTasks retrieves all pending records, oldest first.
func (s *MemoryStore) PendingTasks(ctx context.Context) ([]*Record, error) {
	return s.byStatus(StatusPending, 0, time.Time{}), nil
}

// RunningTasks retrieves running records, optionally filtered by age.
func (s *MemoryStore) RunningTasks(ctx context.Context, olderThan time.Duration) ([]*Record, error) {
	return s.byStatus(StatusRunning, olderThan, time.Now().UTC()), nil
}

func (s *MemoryStore) byStatus(status Status, olderThan time.Duration, now time.Time) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.Status != status {
			continue
		}
		if olderThan > 0 && now.Sub(r.LastAttemptAt) <= olderThan {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ExtendLease pushes a running record's lease out to expiresAt.
func (s *MemoryStore) ExtendLease(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrTaskNotFound
	}
	r.LeaseExpiresAt = expiresAt
	return nil
}

// Delete removes a record by ID.
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.records, id)
	return nil
}
