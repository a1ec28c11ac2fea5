// Package guardian binds a storage backend to a fail-mode policy and
// exposes the decision and administrative operations a caller needs:
// check, get usage, reset. It is the thing an RPC collaborator or an
// embedding process actually calls.
package guardian

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"golang.org/x/exp/slog"

	"github.com/guardianhq/guardian/backend"
	"github.com/guardianhq/guardian/bucket"
	"github.com/guardianhq/guardian/clock"
)

// FailMode decides what a Limiter does with a backend fault.
type FailMode int

const (
	// FailOpen admits the request when the backend faults.
	FailOpen FailMode = iota
	// FailClosed denies the request when the backend faults.
	FailClosed
)

const (
	maxKeyBytes = 256
	minKeyBytes = 1
)

// Limiter binds a Backend to a fail mode, turning backend faults into
// admission decisions and exposing the public decision/admin operations.
type Limiter struct {
	backend   backend.Backend
	policy    bucket.Policy
	failMode  FailMode
	clock     clock.Source
	keyer     func(string) string
	recorder  FaultRecorder
	publisher AuditPublisher
	logger    *slog.Logger
}

// Option configures a Limiter. Mirrors the teacher's functional-option
// style (WithStream, WithMaxThreads, ...).
type Option func(*Limiter)

// WithBackend sets the storage backend the Limiter delegates decisions to.
// Required -- NewLimiter returns an error if no backend is configured.
func WithBackend(b backend.Backend) Option {
	return func(l *Limiter) { l.backend = b }
}

// WithPolicy records the nominal bucket policy, used only to reject
// impossible costs (cost > capacity) before a decision is ever dispatched.
func WithPolicy(p bucket.Policy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithFailMode sets how backend faults are resolved. Default is FailClosed.
func WithFailMode(m FailMode) Option {
	return func(l *Limiter) { l.failMode = m }
}

// WithClock overrides the time source used to stamp audit events. Default
// is clock.System{}.
func WithClock(c clock.Source) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithKeyer installs a transform applied to the caller-supplied key before
// validation and dispatch, e.g. to normalize or derive a tenant identity.
// Default is the identity transform.
func WithKeyer(fn func(string) string) Option {
	return func(l *Limiter) { l.keyer = fn }
}

// WithFaultRecorder installs a counter for faults and decisions. Default is
// NoOpFaultRecorder.
func WithFaultRecorder(r FaultRecorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithAuditPublisher installs an asynchronous sink for decision and fault
// events. Default is no publisher (events are only logged).
func WithAuditPublisher(p AuditPublisher) Option {
	return func(l *Limiter) { l.publisher = p }
}

// WithLogger overrides the structured logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// ErrNoBackend is returned by NewLimiter when no backend was configured.
var ErrNoBackend = errors.New("guardian: no backend configured")

// NewLimiter builds a Limiter from options. WithBackend is mandatory.
func NewLimiter(opts ...Option) (*Limiter, error) {
	l := &Limiter{
		failMode: FailClosed,
		clock:    clock.System{},
		keyer:    func(k string) string { return k },
		recorder: NoOpFaultRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.backend == nil {
		return nil, ErrNoBackend
	}
	return l, nil
}

// Check decides whether a request identified by key, at the given cost, is
// admitted. It only ever returns Allowed, Denied, or a programmer-error
// class (ErrInvalidKey, ErrInvalidCost) -- backend faults are absorbed per
// fail mode and never raised here (spec.md §7's propagation policy).
func (l *Limiter) Check(ctx context.Context, key string, cost uint64) (allowed bool, retryAfter time.Duration, err error) {
	key = l.keyer(key)

	if err := validateKey(key); err != nil {
		return false, 0, err
	}
	if l.policy.Capacity > 0 && cost > l.policy.Capacity {
		return false, 0, ErrInvalidCost
	}

	allowed, retryAfter, err = l.backend.TakeTokens(ctx, key, cost)
	if err != nil {
		return l.absorbFault(ctx, key, err)
	}

	l.publish(ctx, key, decisionKind(allowed))
	return allowed, retryAfter, nil
}

// GetUsage returns the current usage for key. Best-effort: if the backend
// cannot answer efficiently, it returns 0 rather than an error.
func (l *Limiter) GetUsage(ctx context.Context, key string) uint64 {
	key = l.keyer(key)
	usage, err := l.backend.GetUsage(ctx, key)
	if err != nil {
		l.recordFault(ctx, key, err)
		return 0
	}
	return usage
}

// Reset administratively clears key, including any batched reservation.
// Best-effort: failures are logged and counted, not returned.
func (l *Limiter) Reset(ctx context.Context, key string) {
	key = l.keyer(key)
	if err := l.backend.Reset(ctx, key); err != nil {
		l.recordFault(ctx, key, err)
	}
}

func (l *Limiter) absorbFault(ctx context.Context, key string, cause error) (bool, time.Duration, error) {
	l.recordFault(ctx, key, cause)
	l.publish(ctx, key, AuditBackendFault)

	switch l.failMode {
	case FailOpen:
		return true, 0, nil
	default:
		return false, 0, nil
	}
}

func (l *Limiter) recordFault(ctx context.Context, key string, cause error) {
	kind := "unknown"
	switch {
	case errors.Is(cause, backend.ErrBackendUnavailable):
		kind = "backend_unavailable"
	case errors.Is(cause, backend.ErrBackendProtocol):
		kind = "backend_protocol"
	}
	l.logger.ErrorContext(ctx, "guardian: backend fault", slog.String("key", key), slog.String("kind", kind), slog.Any("error", cause))
	l.recorder.Add("guardian_backend_faults_total", 1, map[string]string{"kind": kind})
}

func (l *Limiter) publish(ctx context.Context, key, kind string) {
	l.recorder.Add("guardian_decisions_total", 1, map[string]string{"kind": kind})
	if l.publisher == nil {
		return
	}
	event := AuditEvent{Key: key, Kind: kind, Timestamp: l.clock.Now()}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.WarnContext(ctx, "guardian: failed to publish audit event", slog.Any("error", err))
	}
}

func decisionKind(allowed bool) string {
	if allowed {
		return AuditDecisionAllowed
	}
	return AuditDecisionDenied
}

func validateKey(key string) error {
	n := len(key)
	if n < minKeyBytes || n > maxKeyBytes {
		return ErrInvalidKey
	}
	if !utf8.ValidString(key) {
		return ErrInvalidKey
	}
	return nil
}
