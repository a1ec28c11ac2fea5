// Package backend implements the three storage-backend variants the
// Guardian limiter facade can be bound to: Local (process-local, never
// fails), Remote (delegates every decision to a coordinator's atomic
// script), and Batched (a reservation cache in front of Remote). All three
// implement the same Backend interface so the facade never needs to know
// which one it holds.
package backend

import (
	"context"
	"time"
)

// Backend is the single point of polymorphism in the engine. Deliberately a
// small, fixed variant set rather than an open extension surface: Local,
// Remote, and Batched are the only implementations, selected by the facade
// at construction time.
type Backend interface {
	// TakeTokens performs one decision for key at the given cost. It never
	// returns an admission-level error for a normal deny — that case is
	// communicated via the returned bool. A non-nil error means the backend
	// itself faulted (ErrBackendUnavailable, ErrBackendProtocol) and the
	// caller must apply its own fail-mode policy.
	TakeTokens(ctx context.Context, key string, cost uint64) (allowed bool, retryAfter time.Duration, err error)

	// GetUsage returns the number of tokens currently consumed (capacity -
	// available) for key. Best-effort: backends that cannot answer
	// efficiently return 0, nil.
	GetUsage(ctx context.Context, key string) (uint64, error)

	// Reset atomically replaces key's state with a fresh, full bucket and
	// invalidates any cached reservation for key. Idempotent.
	Reset(ctx context.Context, key string) error
}
