package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Common errors returned by the Queue
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// Queue is the buffered admission channel between Enqueue callers and
// dispatcher workers.
type Queue struct {
	tasks  chan *Record
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a new task queue with the specified buffer size.
func NewQueue(size int, logger *slog.Logger) *Queue {
	return &Queue{
		tasks:  make(chan *Record, size),
		logger: logger,
	}
}

// Push adds a record to the queue.
// Returns an error if the queue is full or closed.
func (q *Queue) Push(record *Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- record:
		q.logger.Debug("task enqueued",
			"task_id", record.ID,
			"task_name", record.Name,
			"queue_len", len(q.tasks),
			"queue_cap", cap(q.tasks))
		return nil
	default:
		// Channel is full
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.tasks))
	}
}

// Close closes the queue, preventing further submission. Records already
// admitted remain readable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
		q.logger.Info("task queue closed")
	}
}

// Chan returns a read-only channel for consuming records.
func (q *Queue) Chan() <-chan *Record {
	return q.tasks
}

// Len returns the number of records currently buffered.
func (q *Queue) Len() int {
	return len(q.tasks)
}
