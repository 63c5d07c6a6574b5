// Package retry computes bounded exponential backoff delays for failed
// task attempts.
package retry

import (
	"math/rand"
	"time"
)

// Defaults applied by Policy.Backoff when the corresponding field is zero.
const (
	DefaultBase = 1 * time.Second
	DefaultMax  = 5 * time.Minute
)

// Policy computes the delay before a retried task becomes eligible again.
// The zero value is usable: 1s base doubling up to a 5m ceiling, no jitter.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max clamps the computed delay. Guarantees a finite result for
	// arbitrarily large retry counts.
	Max time.Duration

	// JitterFraction, in [0, 1], spreads the delay uniformly within
	// ±JitterFraction of the computed value to avoid synchronized retry
	// storms. Zero disables jitter.
	JitterFraction float64

	// Rand supplies values in [0, 1) for jitter. Nil uses the global
	// source. Injected by tests for determinism.
	Rand func() float64
}

// Backoff returns the delay for the given retry count: base * 2^retryCount
// clamped to Max, with optional jitter. The result is always a positive,
// finite duration for any non-negative count.
func (p Policy) Backoff(retryCount int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}
	if base > max {
		base = max
	}

	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		// Stop at the ceiling; also catches overflow wraparound.
		if d >= max || d <= 0 {
			d = max
			break
		}
	}

	if p.JitterFraction > 0 {
		d = p.jitter(d)
		if d > max {
			d = max
		}
		if d <= 0 {
			d = base
		}
	}

	return d
}

func (p Policy) jitter(d time.Duration) time.Duration {
	randFn := p.Rand
	if randFn == nil {
		randFn = rand.Float64
	}
	// Uniform in [-JitterFraction, +JitterFraction).
	f := (randFn()*2 - 1) * p.JitterFraction
	return d + time.Duration(f*float64(d))
}
