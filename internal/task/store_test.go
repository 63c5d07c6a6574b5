package task

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := NewRecord("t", nil, 3)

	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)

	// Returned record is a copy, not an alias.
	got.Status = StatusDead
	again, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryStoreUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := NewRecord("t", nil, 3)
	require.NoError(t, store.Save(ctx, rec))

	require.NoError(t, rec.MarkRunning(time.Now().UTC(), 0))
	require.NoError(t, store.Update(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestMemoryStoreUpdateUnknown(t *testing.T) {
	store := NewMemoryStore()

	err := store.Update(context.Background(), NewRecord("t", nil, 0))
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryStorePendingTasksOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := NewRecord("t", nil, 0)
	first.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	second := NewRecord("t", nil, 0)
	second.CreatedAt = time.Now().UTC().Add(-1 * time.Minute)
	running := NewRecord("t", nil, 0)
	require.NoError(t, running.MarkRunning(time.Now().UTC(), 0))

	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, running))

	pending, err := store.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "oldest first")
	assert.Equal(t, second.ID, pending[1].ID)
}

func TestMemoryStoreRunningTasksOlderThan(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	stale := NewRecord("t", nil, 0)
	require.NoError(t, stale.MarkRunning(time.Now().UTC().Add(-time.Hour), 0))
	fresh := NewRecord("t", nil, 0)
	require.NoError(t, fresh.MarkRunning(time.Now().UTC(), 0))

	require.NoError(t, store.Save(ctx, stale))
	require.NoError(t, store.Save(ctx, fresh))

	all, err := store.RunningTasks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	old, err := store.RunningTasks(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, stale.ID, old[0].ID)
}

func TestMemoryStoreExtendLease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := NewRecord("t", nil, 0)
	require.NoError(t, rec.MarkRunning(time.Now().UTC(), 10*time.Second))
	require.NoError(t, store.Save(ctx, rec))

	expiresAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.ExtendLease(ctx, rec.ID, expiresAt))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, expiresAt, got.LeaseExpiresAt)

	assert.ErrorIs(t, store.ExtendLease(ctx, uuid.New(), expiresAt), ErrTaskNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := NewRecord("t", nil, 0)
	require.NoError(t, store.Save(ctx, rec))

	require.NoError(t, store.Delete(ctx, rec.ID))

	_, err := store.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	assert.ErrorIs(t, store.Delete(ctx, rec.ID), ErrTaskNotFound)
}
