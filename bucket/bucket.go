// Package bucket implements the token-bucket accounting primitive that
// underlies every Guardian storage backend. It is the one piece of the
// engine that never suspends and never takes a lock: consumption is a
// compare-and-swap retry loop over an immutable snapshot of bucket state.
package bucket

import (
	"math"
	"sync/atomic"
	"time"
)

// Policy describes a bucket's shape. It is immutable for the lifetime of a
// Cell: capacity is the maximum instantaneous burst, and RefillRate tokens
// are added every RefillInterval.
type Policy struct {
	Capacity       uint64
	RefillRate     uint64
	RefillInterval time.Duration
}

// state is the CAS unit. A Cell swaps the whole struct atomically so that
// tokens and lastRefill are always observed together.
type state struct {
	tokens     uint64
	lastRefill int64 // UnixNano; monotonic non-decreasing
}

// Cell is a single bucket's mutable state. The zero Cell is not usable;
// construct one with NewCell.
type Cell struct {
	state atomic.Pointer[state]
}

// NewCell creates a Cell initialized to a full bucket as of now.
func NewCell(policy Policy, now time.Time) *Cell {
	c := &Cell{}
	c.state.Store(&state{tokens: policy.Capacity, lastRefill: now.UnixNano()})
	return c
}

// Reset replaces the cell's state with a freshly-filled bucket, atomically.
func (c *Cell) Reset(policy Policy, now time.Time) {
	c.state.Store(&state{tokens: policy.Capacity, lastRefill: now.UnixNano()})
}

// Snapshot returns the tokens currently available, applying refill but not
// consuming anything. It is used for usage queries.
func (c *Cell) Snapshot(policy Policy, now time.Time) uint64 {
	old := c.state.Load()
	tokens, _ := refill(old, policy, now)
	return tokens
}

// Result is the outcome of a single TryConsume call.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// MaxRetryAfter is the Go stand-in for the spec's Duration::MAX, returned
// when a request's cost can never be satisfied by the bucket's capacity.
const MaxRetryAfter = time.Duration(math.MaxInt64)

// TryConsume implements the §4.1 algorithm: snapshot, refill, decide, and
// publish via a lock-free CAS retry loop. Two concurrent consumers never
// together withdraw more than what was present after refill.
func TryConsume(cell *Cell, policy Policy, now time.Time, cost uint64) Result {
	if cost == 0 {
		return Result{Allowed: true}
	}
	if cost > policy.Capacity {
		return Result{Allowed: false, RetryAfter: MaxRetryAfter}
	}

	for {
		old := cell.state.Load()
		tokensRefilled, refilledAny := refill(old, policy, now)

		if tokensRefilled < cost {
			return Result{Allowed: false, RetryAfter: retryAfter(policy, tokensRefilled, cost)}
		}

		next := &state{tokens: tokensRefilled - cost}
		if refilledAny {
			next.lastRefill = now.UnixNano()
		} else {
			next.lastRefill = old.lastRefill
		}

		if cell.state.CompareAndSwap(old, next) {
			return Result{Allowed: true}
		}
		// Lost the race to another updater; retry from a fresh snapshot.
	}
}

// refill computes the post-refill token count for a snapshot without
// publishing it. The second return value reports whether any tokens were
// actually added, so callers can decide whether lastRefill should advance.
func refill(old *state, policy Policy, now time.Time) (tokens uint64, refilledAny bool) {
	elapsedNS := now.UnixNano() - old.lastRefill
	if elapsedNS < 0 {
		elapsedNS = 0 // clock regression: clamp, never move lastRefill backwards
	}

	added := floorRefill(elapsedNS, policy)
	if added == 0 {
		return old.tokens, false
	}

	sum := old.tokens + added
	if sum > policy.Capacity || sum < old.tokens /* overflow */ {
		sum = policy.Capacity
	}
	return sum, true
}

// floorRefill computes floor(elapsed * refill_rate / refill_interval) using
// integer arithmetic throughout, matching the spec's unsigned-64-bit rule.
func floorRefill(elapsedNS int64, policy Policy) uint64 {
	if policy.RefillRate == 0 || policy.RefillInterval <= 0 {
		return 0
	}
	// elapsedNS * refill_rate / refill_interval_ns, ordered to minimize overflow risk.
	num := uint64(elapsedNS) / uint64(policy.RefillInterval) * policy.RefillRate
	rem := uint64(elapsedNS) % uint64(policy.RefillInterval) * policy.RefillRate / uint64(policy.RefillInterval)
	return num + rem
}

// retryAfter computes ceil((cost - tokens) * refill_interval / refill_rate).
func retryAfter(policy Policy, tokens, cost uint64) time.Duration {
	if policy.RefillRate == 0 {
		return MaxRetryAfter
	}
	missing := cost - tokens
	numerator := missing * uint64(policy.RefillInterval)
	d := numerator / policy.RefillRate
	if numerator%policy.RefillRate != 0 {
		d++
	}
	return time.Duration(d)
}
