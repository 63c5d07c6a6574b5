package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatchd/internal/task"
)

func TestMapError(t *testing.T) {
	t.Run("nil error maps to nil", func(t *testing.T) {
		assert.NoError(t, MapError(nil))
	})

	t.Run("no rows maps to task not found", func(t *testing.T) {
		err := MapError(fmt.Errorf("query failed: %w", sql.ErrNoRows))
		assert.ErrorIs(t, err, task.ErrTaskNotFound)
	})

	t.Run("unique violation maps to duplicate task", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "tasks_pkey"}
		err := MapError(pgErr)
		assert.ErrorIs(t, err, ErrDuplicateTask)
	})

	t.Run("check violation names the constraint", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: checkViolationCode, ConstraintName: "tasks_status_check"}
		err := MapError(pgErr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tasks_status_check")
	})

	t.Run("unrelated errors pass through unchanged", func(t *testing.T) {
		original := errors.New("connection refused")
		assert.Equal(t, original, MapError(original))
	})
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolationCode})
	assert.True(t, IsUniqueViolation(wrapped))
	assert.False(t, IsUniqueViolation(errors.New("something else")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestNullableTime(t *testing.T) {
	assert.False(t, nullableTime(time.Time{}).Valid, "zero time should map to NULL")

	now := time.Now().UTC()
	nt := nullableTime(now)
	assert.True(t, nt.Valid)
	assert.Equal(t, now, nt.Time)
}
