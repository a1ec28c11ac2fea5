package backend

import (
	"context"
	"sync"
	"time"

	"github.com/guardianhq/guardian/bucket"
	"github.com/guardianhq/guardian/clock"
)

// Local is a process-local Backend holding bucket cells in a concurrent
// map. It never fails: every operation works on in-memory state, and
// consumption is a lock-free CAS on the key's cell. Grounded on AlexKimmel-GateLite's internal/ratelimit/memory, which
// uses the identical sync.Map + LoadOrStore race-safe creation pattern.
type Local struct {
	policy bucket.Policy
	clock  clock.Source
	cells  sync.Map // string -> *bucket.Cell

	sweeper      *idleSweeper
	idleEviction time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewLocal constructs a Local backend for policy. If idleEviction is
// positive, a background sweep removes cells untouched for longer than that
// duration; pass zero to disable the sweep entirely.
func NewLocal(policy bucket.Policy, src clock.Source, idleEviction time.Duration) *Local {
	if src == nil {
		src = clock.System{}
	}
	l := &Local{
		policy:       policy,
		clock:        src,
		idleEviction: idleEviction,
		stop:         make(chan struct{}),
	}
	if idleEviction > 0 {
		l.sweeper = newIdleSweeper()
		go l.sweepLoop()
	}
	return l
}

// Close stops the background idle sweep, if any.
func (l *Local) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Local) cell(key string, now time.Time) *bucket.Cell {
	if v, ok := l.cells.Load(key); ok {
		return v.(*bucket.Cell)
	}
	// Race-safe creation: two concurrent creators agree on one cell because
	// only the first LoadOrStore call's value is ever kept.
	v, _ := l.cells.LoadOrStore(key, bucket.NewCell(l.policy, now))
	return v.(*bucket.Cell)
}

// TakeTokens implements Backend. Local never returns a non-nil error.
func (l *Local) TakeTokens(_ context.Context, key string, cost uint64) (bool, time.Duration, error) {
	now := l.clock.Now()
	cell := l.cell(key, now)
	if l.sweeper != nil {
		l.sweeper.touch(key, now)
	}

	res := bucket.TryConsume(cell, l.policy, now, cost)
	return res.Allowed, res.RetryAfter, nil
}

// GetUsage returns capacity minus the currently available tokens.
func (l *Local) GetUsage(_ context.Context, key string) (uint64, error) {
	now := l.clock.Now()
	cell := l.cell(key, now)
	available := cell.Snapshot(l.policy, now)
	return l.policy.Capacity - available, nil
}

// Reset atomically replaces key's cell with a freshly-filled one.
func (l *Local) Reset(_ context.Context, key string) error {
	now := l.clock.Now()
	l.cells.Store(key, bucket.NewCell(l.policy, now))
	if l.sweeper != nil {
		l.sweeper.forget(key)
	}
	return nil
}

func (l *Local) sweepLoop() {
	// Check four times per idle window so eviction latency stays bounded
	// without the sweep itself dominating CPU for short idle windows.
	interval := l.idleEviction / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.clock.Now().Add(-l.idleEviction)
			for _, key := range l.sweeper.idleKeys(cutoff) {
				// Deleting here can race a concurrent creator: the worst
				// case is a removed-then-recreated cell, which the spec
				// accepts. We never mutate a cell another goroutine holds.
				l.cells.Delete(key)
			}
		}
	}
}
