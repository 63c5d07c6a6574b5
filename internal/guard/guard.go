// Package guard provides per-entity mutual exclusion and duplicate-request
// suppression for the task dispatcher.
//
// Entity keys hash into a bounded set of shards. Within a shard a key can
// be held by at most one caller, and the shard itself bounds how many keys
// may be held concurrently, so one hot domain cannot starve the rest.
package guard

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// ErrDuplicateRequest is returned when an idempotency key has already been
// claimed by an earlier submission.
var ErrDuplicateRequest = errors.New("duplicate request for idempotency key")

// Defaults applied by New for non-positive arguments.
const (
	DefaultShardCount    = 16
	DefaultShardCapacity = 32
)

// RequestOutcome records what happened to a claimed idempotency key so a
// replay can return the original result instead of re-executing.
type RequestOutcome struct {
	// TaskID is the record created by the original submission.
	TaskID uuid.UUID

	// Done is false while the original submission is still in flight.
	Done bool

	// Succeeded and Error describe the terminal result once Done.
	Succeeded bool
	Error     string
}

// shard holds the lock table for one slice of the entity-key space.
type shard struct {
	mu     sync.Mutex
	held   map[string]struct{}
	tokens chan struct{} // bounds concurrently-held keys per shard
}

// KeyGuard serializes work per entity key and deduplicates submissions by
// idempotency key.
type KeyGuard struct {
	shards []*shard

	reqMu    sync.RWMutex
	requests map[string]*RequestOutcome
}

// New creates a guard with shardCount shards, each admitting at most
// shardCapacity concurrently-held entity keys.
func New(shardCount, shardCapacity int) *KeyGuard {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	if shardCapacity <= 0 {
		shardCapacity = DefaultShardCapacity
	}
	g := &KeyGuard{
		shards:   make([]*shard, shardCount),
		requests: make(map[string]*RequestOutcome),
	}
	for i := range g.shards {
		g.shards[i] = &shard{
			held:   make(map[string]struct{}),
			tokens: make(chan struct{}, shardCapacity),
		}
	}
	return g
}

func (g *KeyGuard) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[int(h.Sum32())%len(g.shards)]
}

// TryAcquire attempts to take the per-entity lock for key. On success it
// returns a release function and true; if the key is already held, or the
// key's shard is at capacity, it returns false and the caller must defer
// the work. An empty key carries no serialization constraint and always
// succeeds with a no-op release.
func (g *KeyGuard) TryAcquire(key string) (release func(), ok bool) {
	if key == "" {
		return func() {}, true
	}

	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, busy := sh.held[key]; busy {
		return nil, false
	}
	select {
	case sh.tokens <- struct{}{}:
	default:
		// Shard at capacity.
		return nil, false
	}
	sh.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			sh.mu.Lock()
			delete(sh.held, key)
			sh.mu.Unlock()
			<-sh.tokens
		})
	}, true
}

// Held reports whether the entity key is currently locked.
func (g *KeyGuard) Held(key string) bool {
	if key == "" {
		return false
	}
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, busy := sh.held[key]
	return busy
}

// ClaimRequest registers an idempotency key for the given task. If the key
// was already claimed, the existing outcome is returned with dup == true
// and no new claim is made.
func (g *KeyGuard) ClaimRequest(key string, taskID uuid.UUID) (outcome *RequestOutcome, dup bool) {
	g.reqMu.Lock()
	defer g.reqMu.Unlock()

	if existing, ok := g.requests[key]; ok {
		cp := *existing
		return &cp, true
	}
	g.requests[key] = &RequestOutcome{TaskID: taskID}
	return nil, false
}

// ReleaseClaim withdraws an idempotency-key claim, so a later submission
// with the same key is treated as new. Callers use it to roll back a claim
// whose submission failed before the task was admitted. Unknown and empty
// keys are ignored.
func (g *KeyGuard) ReleaseClaim(key string) {
	if key == "" {
		return
	}
	g.reqMu.Lock()
	defer g.reqMu.Unlock()
	delete(g.requests, key)
}

// ResolveRequest records the terminal result for a claimed idempotency
// key. Unknown keys are ignored.
func (g *KeyGuard) ResolveRequest(key string, succeeded bool, errMsg string) {
	if key == "" {
		return
	}
	g.reqMu.Lock()
	defer g.reqMu.Unlock()

	if r, ok := g.requests[key]; ok {
		r.Done = true
		r.Succeeded = succeeded
		r.Error = errMsg
	}
}

// Request returns the recorded outcome for an idempotency key, if any.
func (g *KeyGuard) Request(key string) (*RequestOutcome, bool) {
	g.reqMu.RLock()
	defer g.reqMu.RUnlock()

	r, ok := g.requests[key]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}
