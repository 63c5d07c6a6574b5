package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatchd/internal/platform/logger"
	"github.com/phrazzld/dispatchd/internal/task"
)

// DBTX abstracts over *sql.DB and *sql.Tx so store operations can run
// either standalone or inside a caller-managed transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TaskStore implements the task.Store interface using PostgreSQL.
type TaskStore struct {
	db DBTX
}

// Statically verify the interface is satisfied.
var _ task.Store = (*TaskStore)(nil)

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns a new TaskStore that runs its operations on the provided
// transaction. The transaction is created and managed by the caller.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx}
}

const taskColumns = `id, name, payload, entity_key, idempotency_key, status,
	retry_count, max_retries, last_error, created_at, last_attempt_at,
	not_before, lease_expires_at`

// Save persists a new task record.
func (s *TaskStore) Save(ctx context.Context, record *task.Record) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (` + taskColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Name,
		record.Payload,
		record.EntityKey,
		record.IdempotencyKey,
		record.Status,
		record.RetryCount,
		record.MaxRetries,
		record.LastError,
		record.CreatedAt,
		nullableTime(record.LastAttemptAt),
		nullableTime(record.NotBefore),
		nullableTime(record.LeaseExpiresAt),
		now,
	)

	if err != nil {
		log.Error("failed to save task",
			"task_id", record.ID,
			"task_name", record.Name,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", MapError(err))
	}

	return nil
}

// Update persists the record's current state.
func (s *TaskStore) Update(ctx context.Context, record *task.Record) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET status = $1, retry_count = $2, last_error = $3,
			last_attempt_at = $4, not_before = $5, lease_expires_at = $6,
			updated_at = $7
		WHERE id = $8
	`

	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, query,
		record.Status,
		record.RetryCount,
		record.LastError,
		nullableTime(record.LastAttemptAt),
		nullableTime(record.NotBefore),
		nullableTime(record.LeaseExpiresAt),
		now,
		record.ID,
	)

	if err != nil {
		log.Error("failed to update task",
			"task_id", record.ID,
			"status", record.Status,
			"error", err)
		return fmt.Errorf("failed to update task: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return task.ErrTaskNotFound
	}

	return nil
}

// Get retrieves a record by ID.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Record, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	row := s.db.QueryRowContext(ctx, query, id)
	record, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return record, nil
}

// PendingTasks retrieves all records with "pending" status, oldest first.
func (s *TaskStore) PendingTasks(ctx context.Context) ([]*task.Record, error) {
	return s.byStatus(ctx, task.StatusPending, 0)
}

// RunningTasks retrieves records with "running" status, optionally only
// those whose last attempt started more than olderThan ago.
func (s *TaskStore) RunningTasks(ctx context.Context, olderThan time.Duration) ([]*task.Record, error) {
	return s.byStatus(ctx, task.StatusRunning, olderThan)
}

// ExtendLease pushes a running record's lease out to expiresAt.
func (s *TaskStore) ExtendLease(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	query := `
		UPDATE tasks
		SET lease_expires_at = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		expiresAt, time.Now().UTC(), id, task.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// Delete removes a record by ID.
func (s *TaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// byStatus is a helper to get records by status with an optional age filter.
func (s *TaskStore) byStatus(ctx context.Context, status task.Status, olderThan time.Duration) ([]*task.Record, error) {
	log := logger.FromContext(ctx)

	var query string
	var args []interface{}

	if olderThan > 0 {
		query = `SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = $1 AND last_attempt_at < $2
			ORDER BY created_at ASC`
		args = []interface{}{status, time.Now().UTC().Add(-olderThan)}
	} else {
		query = `SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = $1
			ORDER BY created_at ASC`
		args = []interface{}{status}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks by status",
			"status", status,
			"error", err)
		return nil, fmt.Errorf("failed to query tasks by status: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var records []*task.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return records, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*task.Record, error) {
	var (
		record        task.Record
		lastError     sql.NullString
		lastAttemptAt sql.NullTime
		notBefore     sql.NullTime
		leaseExpires  sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Payload,
		&record.EntityKey,
		&record.IdempotencyKey,
		&record.Status,
		&record.RetryCount,
		&record.MaxRetries,
		&lastError,
		&record.CreatedAt,
		&lastAttemptAt,
		&notBefore,
		&leaseExpires,
	)
	if err != nil {
		return nil, err
	}

	record.LastError = lastError.String
	record.LastAttemptAt = lastAttemptAt.Time
	record.NotBefore = notBefore.Time
	record.LeaseExpiresAt = leaseExpires.Time
	return &record, nil
}

// nullableTime maps the zero time to NULL so partial records round-trip.
func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
