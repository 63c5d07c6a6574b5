package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatchd/internal/guard"
	"github.com/phrazzld/dispatchd/internal/retry"
	"github.com/phrazzld/dispatchd/internal/semaphore"
)

// Common errors returned by the Dispatcher
var (
	// ErrHandlerExists is returned when a handler name is registered twice.
	// Duplicate registration is rejected to fail fast on wiring mistakes.
	ErrHandlerExists = errors.New("handler already registered for task name")

	// ErrUnknownHandler is returned when no handler is registered for a
	// record's name.
	ErrUnknownHandler = errors.New("no handler registered for task name")

	// ErrNoTaskQueued is returned by ProcessOne when the queue is empty.
	ErrNoTaskQueued = errors.New("no task queued")

	// ErrTaskDeferred is returned by ProcessOne when the dequeued record
	// was requeued without running: its entity key was busy or its backoff
	// window had not elapsed.
	ErrTaskDeferred = errors.New("task deferred")
)

// HandlerFunc processes one task record. A non-nil error marks the attempt
// failed and drives the retry/backoff policy.
type HandlerFunc func(ctx context.Context, record *Record) error

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	// MaxWorkers bounds concurrent handler executions. Enforced by the
	// fair semaphore, so waiting work is admitted in arrival order.
	MaxWorkers int

	// QueueSize is the buffer size of the in-memory admission queue.
	QueueSize int

	// LeaseDuration is the time-bounded claim a worker holds on a running
	// record. Zero disables leases and the reaper; crashed workers are
	// then only recovered at the next startup.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often a live worker extends its lease.
	// Defaults to LeaseDuration/3.
	HeartbeatInterval time.Duration

	// ReaperInterval is how often expired leases are swept. Defaults to
	// LeaseDuration.
	ReaperInterval time.Duration

	// DeferDelay is the requeue delay applied when a record's entity key
	// is already held by an in-flight task.
	DeferDelay time.Duration

	// GuardShards and GuardShardCapacity configure entity-key sharding.
	GuardShards        int
	GuardShardCapacity int
}

// DefaultDispatcherConfig returns a DispatcherConfig with reasonable
// defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxWorkers:    4,
		QueueSize:     100,
		LeaseDuration: 30 * time.Second,
		DeferDelay:    50 * time.Millisecond,
	}
}

// Stats is a point-in-time snapshot of dispatcher load.
type Stats struct {
	QueueDepth  int           `json:"queue_depth"`
	InUse       int           `json:"workers_in_use"`
	Waiting     int           `json:"workers_waiting"`
	Capacity    int           `json:"worker_capacity"`
	AverageWait time.Duration `json:"average_admission_wait"`
}

// Dispatcher orchestrates task admission, bounded-concurrency execution,
// retry scheduling, and crash recovery. Construct with NewDispatcher, wire
// handlers with RegisterHandler, then Start/Stop around the process
// lifecycle. ProcessOne drives a single cycle synchronously for
// deterministic tests.
type Dispatcher struct {
	store  Store
	queue  *Queue
	sem    *semaphore.FairSemaphore
	guard  *guard.KeyGuard
	policy retry.Policy
	config DispatcherConfig
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	// errHandler is invoked when a record exhausts its retries. Guarded
	// by errMu so SetErrorHandler is safe after Start.
	errMu      sync.RWMutex
	errHandler func(record *Record, err error)

	// nowFn and sleepFn are injection points for deterministic tests.
	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher over the given store.
func NewDispatcher(store Store, policy retry.Policy, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if config.MaxWorkers <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.MaxWorkers,
			"default_count", 1)
		config.MaxWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.DeferDelay <= 0 {
		config.DeferDelay = 50 * time.Millisecond
	}
	if config.LeaseDuration > 0 {
		if config.HeartbeatInterval <= 0 {
			config.HeartbeatInterval = config.LeaseDuration / 3
		}
		if config.ReaperInterval <= 0 {
			config.ReaperInterval = config.LeaseDuration
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		store:      store,
		queue:      NewQueue(config.QueueSize, logger),
		sem:        semaphore.New(config.MaxWorkers),
		guard:      guard.New(config.GuardShards, config.GuardShardCapacity),
		policy:     policy,
		config:     config,
		logger:     logger,
		handlers:   make(map[string]HandlerFunc),
		ctx:        ctx,
		cancelFunc: cancel,
		errHandler: func(record *Record, err error) {
			logger.Error("task exhausted retries",
				"task_id", record.ID,
				"task_name", record.Name,
				"retry_count", record.RetryCount,
				"error", err)
		},
		nowFn: func() time.Time { return time.Now().UTC() },
		sleepFn: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// SetErrorHandler replaces the hook invoked when a record exhausts its
// retries.
func (d *Dispatcher) SetErrorHandler(handler func(record *Record, err error)) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	d.errHandler = handler
}

// terminalHandler returns the current retries-exhausted hook.
func (d *Dispatcher) terminalHandler() func(record *Record, err error) {
	d.errMu.RLock()
	defer d.errMu.RUnlock()
	return d.errHandler
}

// RegisterHandler associates a task name with its processing function.
// Duplicate registrations are rejected with ErrHandlerExists.
func (d *Dispatcher) RegisterHandler(name string, handler HandlerFunc) error {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	if _, exists := d.handlers[name]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerExists, name)
	}
	d.handlers[name] = handler
	return nil
}

func (d *Dispatcher) handler(name string) (HandlerFunc, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Enqueue admits a new record. Records carrying an idempotency key that
// was already claimed are rejected with guard.ErrDuplicateRequest; the
// recorded outcome of the original submission is available via Outcome.
//
// A failed admission leaves nothing behind: the idempotency claim is
// withdrawn and a saved-but-unqueued record is deleted, so the caller can
// retry with the same key.
func (d *Dispatcher) Enqueue(ctx context.Context, record *Record) error {
	if _, ok := d.handler(record.Name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandler, record.Name)
	}

	if record.IdempotencyKey != "" {
		if existing, dup := d.guard.ClaimRequest(record.IdempotencyKey, record.ID); dup {
			return fmt.Errorf("%w: original task %s", guard.ErrDuplicateRequest, existing.TaskID)
		}
	}

	if err := d.store.Save(ctx, record); err != nil {
		d.guard.ReleaseClaim(record.IdempotencyKey)
		return fmt.Errorf("failed to save task: %w", err)
	}

	if err := d.queue.Push(record); err != nil {
		d.guard.ReleaseClaim(record.IdempotencyKey)
		if delErr := d.store.Delete(ctx, record.ID); delErr != nil {
			d.logger.Error("failed to delete unadmitted task",
				"task_id", record.ID,
				"error", delErr)
		}
		return err
	}
	return nil
}

// Outcome returns the recorded result for an idempotency key, if any.
func (d *Dispatcher) Outcome(idempotencyKey string) (*guard.RequestOutcome, bool) {
	return d.guard.Request(idempotencyKey)
}

// GetTask retrieves a record from the store.
func (d *Dispatcher) GetTask(ctx context.Context, id uuid.UUID) (*Record, error) {
	return d.store.Get(ctx, id)
}

// Stats returns a snapshot of dispatcher load.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:  d.queue.Len(),
		InUse:       d.sem.InUse(),
		Waiting:     d.sem.Waiting(),
		Capacity:    d.sem.Capacity(),
		AverageWait: d.sem.AverageWait(),
	}
}

// ResizeWorkers changes the concurrent execution bound at runtime.
func (d *Dispatcher) ResizeWorkers(n int) {
	d.sem.Resize(n)
}

// Start recovers unfinished records from the store and begins the
// continuous processing loop.
func (d *Dispatcher) Start() error {
	if err := d.recover(); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	d.wg.Add(1)
	go d.pump()

	if d.config.LeaseDuration > 0 {
		d.wg.Add(1)
		go d.reaper()
	}

	return nil
}

// Stop shuts the dispatcher down. In-flight handlers run to completion;
// admitted-but-unstarted records stay pending in the store and are
// requeued by the next Start.
func (d *Dispatcher) Stop() {
	d.cancelFunc()
	d.wg.Wait()
	d.queue.Close()
}

// ProcessOne drives a single admission/execution/outcome cycle
// synchronously. Returns ErrNoTaskQueued when the queue is empty and
// ErrTaskDeferred when the dequeued record was requeued without running.
func (d *Dispatcher) ProcessOne(ctx context.Context) error {
	select {
	case record, ok := <-d.queue.Chan():
		if !ok {
			return ErrQueueClosed
		}
		if !d.sem.Acquire(ctx, 0) {
			return ctx.Err()
		}
		defer func() {
			if err := d.sem.Release(); err != nil {
				d.logger.Error("failed to release worker permit", "error", err)
			}
		}()
		return d.processRecord(ctx, record)
	default:
		return ErrNoTaskQueued
	}
}

// recover requeues unfinished records from the store: pending records as
// they are, running records (orphaned by a previous process) reset to
// pending without spending retry budget.
func (d *Dispatcher) recover() error {
	ctx := context.Background()

	pending, err := d.store.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	running, err := d.store.RunningTasks(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get running tasks: %w", err)
	}

	d.logger.Info("recovering unfinished tasks",
		"pending_count", len(pending),
		"running_count", len(running))

	for _, record := range pending {
		if err := d.queue.Push(record); err != nil {
			d.logger.Error("failed to requeue pending task",
				"task_id", record.ID,
				"task_name", record.Name,
				"error", err)
		}
	}

	for _, record := range running {
		if err := record.MarkRecovered(); err != nil {
			d.logger.Error("failed to reset interrupted task",
				"task_id", record.ID,
				"error", err)
			continue
		}
		if err := d.store.Update(ctx, record); err != nil {
			d.logger.Error("failed to persist recovered task",
				"task_id", record.ID,
				"error", err)
			continue
		}
		if err := d.queue.Push(record); err != nil {
			d.logger.Error("failed to requeue recovered task",
				"task_id", record.ID,
				"error", err)
		}
	}

	return nil
}

// pump feeds admitted records to workers. Each record runs in its own
// goroutine gated by the fair semaphore, so MaxWorkers bounds concurrency
// and waiting records are admitted in arrival order.
func (d *Dispatcher) pump() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case record, ok := <-d.queue.Chan():
			if !ok {
				return
			}
			d.wg.Add(1)
			go func(record *Record) {
				defer d.wg.Done()
				if !d.sem.Acquire(d.ctx, 0) {
					// Shutting down; the record stays pending in the
					// store for the next recovery pass.
					return
				}
				defer func() {
					if err := d.sem.Release(); err != nil {
						d.logger.Error("failed to release worker permit", "error", err)
					}
				}()
				d.processRecord(d.ctx, record)
			}(record)
		}
	}
}

// processRecord handles one execution attempt of a single record. It
// returns ErrTaskDeferred when the record was requeued without running.
func (d *Dispatcher) processRecord(ctx context.Context, record *Record) error {
	logger := d.logger.With(
		"task_id", record.ID,
		"task_name", record.Name,
	)

	releaseKey, ok := d.guard.TryAcquire(record.EntityKey)
	if !ok {
		// Another task for this entity is in flight; defer rather than
		// run concurrently.
		logger.Debug("entity key busy, deferring task",
			"entity_key", record.EntityKey)
		d.requeueAfter(record, d.config.DeferDelay)
		return ErrTaskDeferred
	}
	defer releaseKey()

	now := d.nowFn()
	if !record.Eligible(now) {
		d.requeueAfter(record, record.NotBefore.Sub(now))
		return ErrTaskDeferred
	}

	if err := record.MarkRunning(now, d.config.LeaseDuration); err != nil {
		logger.Error("failed to mark task running", "error", err)
		return err
	}
	if err := d.store.Update(ctx, record); err != nil {
		logger.Error("failed to persist running status", "error", err)
	}

	logger.Info("processing task", "retry_count", record.RetryCount)

	var hbStop func()
	if d.config.LeaseDuration > 0 {
		hbStop = d.startHeartbeat(record)
	}

	err := d.invoke(ctx, record)

	if hbStop != nil {
		hbStop()
	}

	if err == nil {
		d.completeRecord(ctx, record, logger)
		return nil
	}
	d.failRecord(ctx, record, err, logger)
	return nil
}

// invoke runs the registered handler with panic containment: a panicking
// handler is treated as a failed attempt, not a crashed worker.
func (d *Dispatcher) invoke(ctx context.Context, record *Record) (err error) {
	handler, ok := d.handler(record.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandler, record.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"task_id", record.ID,
				"task_name", record.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(ctx, record)
}

func (d *Dispatcher) completeRecord(ctx context.Context, record *Record, logger *slog.Logger) {
	if err := record.MarkCompleted(); err != nil {
		logger.Error("failed to mark task completed", "error", err)
		return
	}
	if err := d.store.Update(ctx, record); err != nil {
		logger.Error("failed to persist completed status", "error", err)
	}
	d.guard.ResolveRequest(record.IdempotencyKey, true, "")
	logger.Info("task completed", "retry_count", record.RetryCount)
}

func (d *Dispatcher) failRecord(ctx context.Context, record *Record, cause error, logger *slog.Logger) {
	logger.Error("task attempt failed",
		"retry_count", record.RetryCount,
		"max_retries", record.MaxRetries,
		"error", cause)

	backoff := d.policy.Backoff(record.RetryCount)
	err := record.MarkRetry(d.nowFn(), backoff, cause)

	if persistErr := d.store.Update(ctx, record); persistErr != nil {
		logger.Error("failed to persist retry state", "error", persistErr)
	}

	switch {
	case errors.Is(err, ErrRetriesExhausted):
		d.guard.ResolveRequest(record.IdempotencyKey, false, record.LastError)
		d.terminalHandler()(record, err)
	case err != nil:
		logger.Error("failed to schedule retry", "error", err)
	default:
		logger.Info("task scheduled for retry",
			"retry_count", record.RetryCount,
			"backoff", backoff)
		d.requeueAfter(record, backoff)
	}
}

// requeueAfter makes the record eligible again after delay without busy
// polling. On shutdown the timer is dropped; the record stays pending in
// the store and the next Start requeues it.
func (d *Dispatcher) requeueAfter(record *Record, delay time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if delay > 0 {
			if err := d.sleepFn(d.ctx, delay); err != nil {
				return
			}
		}
		if err := d.queue.Push(record); err != nil {
			d.logger.Error("failed to requeue task",
				"task_id", record.ID,
				"error", err)
		}
	}()
}

// startHeartbeat extends the record's lease on an interval while its
// handler runs. Returns a stop function.
func (d *Dispatcher) startHeartbeat(record *Record) func() {
	ctx, cancel := context.WithCancel(d.ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(d.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expiresAt := d.nowFn().Add(d.config.LeaseDuration)
				if err := d.store.ExtendLease(ctx, record.ID, expiresAt); err != nil {
					d.logger.Error("failed to extend lease",
						"task_id", record.ID,
						"error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// reaper periodically requeues running records whose lease expired,
// reclaiming work from workers that died without reporting. Each reclaim
// spends one retry, so a record that keeps killing its workers eventually
// goes dead instead of looping forever.
func (d *Dispatcher) reaper() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.reapExpired()
		}
	}
}

func (d *Dispatcher) reapExpired() {
	ctx := context.Background()

	running, err := d.store.RunningTasks(ctx, 0)
	if err != nil {
		d.logger.Error("failed to check for expired leases", "error", err)
		return
	}

	now := d.nowFn()
	for _, record := range running {
		if !record.LeaseExpired(now) {
			continue
		}

		logger := d.logger.With("task_id", record.ID, "task_name", record.Name)
		logger.Warn("lease expired, reclaiming task",
			"lease_expired_at", record.LeaseExpiresAt)

		cause := errors.New("lease expired: worker presumed crashed")
		backoff := d.policy.Backoff(record.RetryCount)
		err := record.MarkRetry(now, backoff, cause)

		if persistErr := d.store.Update(ctx, record); persistErr != nil {
			logger.Error("failed to persist reclaimed task", "error", persistErr)
			continue
		}

		switch {
		case errors.Is(err, ErrRetriesExhausted):
			d.guard.ResolveRequest(record.IdempotencyKey, false, record.LastError)
			d.terminalHandler()(record, err)
		case err != nil:
			logger.Error("failed to reset reclaimed task", "error", err)
		default:
			d.requeueAfter(record, backoff)
		}
	}
}
