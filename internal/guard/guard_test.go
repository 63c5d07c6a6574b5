package guard

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireExclusive(t *testing.T) {
	g := New(4, 8)

	release, ok := g.TryAcquire("order:42")
	require.True(t, ok)
	assert.True(t, g.Held("order:42"))

	_, ok = g.TryAcquire("order:42")
	assert.False(t, ok, "second acquire for a held key must fail")

	release()
	assert.False(t, g.Held("order:42"))

	release2, ok := g.TryAcquire("order:42")
	assert.True(t, ok, "key is acquirable again after release")
	release2()
}

func TestTryAcquireIndependentKeys(t *testing.T) {
	g := New(4, 8)

	r1, ok1 := g.TryAcquire("order:1")
	r2, ok2 := g.TryAcquire("order:2")

	assert.True(t, ok1)
	assert.True(t, ok2)
	r1()
	r2()
}

func TestTryAcquireEmptyKey(t *testing.T) {
	g := New(4, 8)

	r1, ok1 := g.TryAcquire("")
	r2, ok2 := g.TryAcquire("")

	assert.True(t, ok1, "empty key carries no constraint")
	assert.True(t, ok2)
	assert.NotPanics(t, r1)
	assert.NotPanics(t, r2)
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New(4, 8)

	release, ok := g.TryAcquire("k")
	require.True(t, ok)

	release()
	assert.NotPanics(t, release)
	assert.False(t, g.Held("k"))

	// Double release must not free someone else's hold.
	r2, ok := g.TryAcquire("k")
	require.True(t, ok)
	release()
	assert.True(t, g.Held("k"))
	r2()
}

func TestShardCapacityBoundsDomain(t *testing.T) {
	// One shard with capacity 2: a third concurrent key is rejected even
	// though it is not itself held.
	g := New(1, 2)

	r1, ok1 := g.TryAcquire("a")
	r2, ok2 := g.TryAcquire("b")
	require.True(t, ok1)
	require.True(t, ok2)

	_, ok3 := g.TryAcquire("c")
	assert.False(t, ok3, "shard at capacity")

	r1()
	r3, ok3 := g.TryAcquire("c")
	assert.True(t, ok3, "capacity freed by release")
	r2()
	r3()
}

func TestClaimRequestDeduplicates(t *testing.T) {
	g := New(4, 8)
	taskID := uuid.New()

	existing, dup := g.ClaimRequest("req-1", taskID)
	assert.False(t, dup)
	assert.Nil(t, existing)

	existing, dup = g.ClaimRequest("req-1", uuid.New())
	assert.True(t, dup)
	require.NotNil(t, existing)
	assert.Equal(t, taskID, existing.TaskID)
	assert.False(t, existing.Done, "original still in flight")
}

func TestResolveRequestRecordsOutcome(t *testing.T) {
	g := New(4, 8)
	taskID := uuid.New()
	_, dup := g.ClaimRequest("req-1", taskID)
	require.False(t, dup)

	g.ResolveRequest("req-1", false, "boom")

	outcome, ok := g.Request("req-1")
	require.True(t, ok)
	assert.True(t, outcome.Done)
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, "boom", outcome.Error)

	// Unknown and empty keys are no-ops.
	g.ResolveRequest("missing", true, "")
	g.ResolveRequest("", true, "")
	_, ok = g.Request("missing")
	assert.False(t, ok)
}

func TestReleaseClaimAllowsResubmission(t *testing.T) {
	g := New(4, 8)
	taskID := uuid.New()

	_, dup := g.ClaimRequest("req-1", taskID)
	require.False(t, dup)
	_, dup = g.ClaimRequest("req-1", uuid.New())
	require.True(t, dup)

	g.ReleaseClaim("req-1")

	_, ok := g.Request("req-1")
	assert.False(t, ok, "released claim should be forgotten")

	retryID := uuid.New()
	existing, dup := g.ClaimRequest("req-1", retryID)
	assert.False(t, dup)
	assert.Nil(t, existing)

	// Unknown and empty keys are no-ops.
	g.ReleaseClaim("missing")
	g.ReleaseClaim("")
}

func TestTryAcquireConcurrent(t *testing.T) {
	g := New(8, 16)

	var held int32
	var maxHeld int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				release, ok := g.TryAcquire("hot-key")
				if !ok {
					continue
				}
				n := atomic.AddInt32(&held, 1)
				for {
					max := atomic.LoadInt32(&maxHeld)
					if n <= max || atomic.CompareAndSwapInt32(&maxHeld, max, n) {
						break
					}
				}
				atomic.AddInt32(&held, -1)
				release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxHeld, int32(1), "at most one holder per key")
	assert.False(t, g.Held("hot-key"))
}
