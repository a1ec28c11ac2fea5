package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jpillora/backoff"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

// Audit event kinds.
const (
	AuditDecisionAllowed = "decision_allowed"
	AuditDecisionDenied  = "decision_denied"
	AuditBackendFault    = "backend_fault"
)

// AuditEvent is one decision or fault, supplementing the spec's "logged and
// counted" requirement with a replayable trail (original_source's
// guardian-service only logs faults to stderr; see DESIGN.md).
type AuditEvent struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func (e AuditEvent) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// AuditPublisher accepts audit events for asynchronous delivery.
type AuditPublisher interface {
	Publish(ctx context.Context, event AuditEvent) error
}

// AuditSink consumes audit events delivered by a publisher's Consume loop.
type AuditSink func(AuditEvent)

type auditBatch struct {
	Events []AuditEvent `json:"events"`
}

// RedisAuditPublisher is an AuditPublisher backed by a Redis stream,
// adapted wholesale from the teacher's RedisMessageBroker in msgbroker.go:
// the same batch-collect-then-XAdd publish loop, the same
// semaphore.Weighted-bounded publish goroutines, and the same
// jpillora/backoff retry-with-backoff on stream read errors. The teacher's
// bespoke ring/heap replay logic is not carried forward -- Guardian's
// consume-once reservation model has no analogous replay requirement.
type RedisAuditPublisher struct {
	stream string
	client redis.UniversalClient

	initialLoadOffset time.Duration
	maxStreamLen      int64

	backoff        *backoff.Backoff
	publishChannel chan AuditEvent

	sem *semaphore.Weighted
}

// AuditOption configures a RedisAuditPublisher.
type AuditOption func(*RedisAuditPublisher)

// NewRedisAuditPublisher builds a publisher against client, with sensible
// defaults: stream "guardian-audit", 100 buffered events, 100 concurrent
// publish goroutines.
func NewRedisAuditPublisher(client redis.UniversalClient, opts ...AuditOption) *RedisAuditPublisher {
	b := backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
	}

	p := &RedisAuditPublisher{
		client:         client,
		stream:         "guardian-audit",
		backoff:        &b,
		publishChannel: make(chan AuditEvent, 100),
		sem:            semaphore.NewWeighted(100),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithAuditStream sets the Redis stream name. Default "guardian-audit".
func WithAuditStream(stream string) AuditOption {
	return func(p *RedisAuditPublisher) { p.stream = stream }
}

// WithAuditMaxThreads bounds the number of concurrent publish goroutines.
func WithAuditMaxThreads(maxThreads int) AuditOption {
	return func(p *RedisAuditPublisher) { p.sem = semaphore.NewWeighted(int64(maxThreads)) }
}

// WithAuditCappedStream sets an approximate max length for the stream.
func WithAuditCappedStream(maxLen int64) AuditOption {
	return func(p *RedisAuditPublisher) { p.maxStreamLen = maxLen }
}

// WithAuditInitialLoadOffset pulls events written up to offset in the past
// when Consume starts, so a freshly-started consumer doesn't lose history.
func WithAuditInitialLoadOffset(offset time.Duration) AuditOption {
	return func(p *RedisAuditPublisher) { p.initialLoadOffset = offset }
}

// Start runs the publish loop and the consume loop in the background until
// ctx is cancelled.
func (p *RedisAuditPublisher) Start(ctx context.Context, sink AuditSink) {
	go func() {
		if err := p.startPublisher(ctx); err != nil {
			slog.Error("guardian: audit publisher stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := p.consume(ctx, sink); err != nil {
			slog.Error("guardian: audit consumer stopped", slog.Any("error", err))
		}
	}()
}

// Publish enqueues event for delivery. Non-blocking relative to the Redis
// round trip: the round trip happens in the background publish loop.
func (p *RedisAuditPublisher) Publish(ctx context.Context, event AuditEvent) error {
	select {
	case p.publishChannel <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *RedisAuditPublisher) startPublisher(ctx context.Context) error {
	const batchSize = 100
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		events := make([]AuditEvent, 0, batchSize)
		select {
		case event := <-p.publishChannel:
			events = append(events, event)
		case <-ctx.Done():
			return nil
		}
		for i := 0; i < batchSize-1; i++ {
			select {
			case event := <-p.publishChannel:
				events = append(events, event)
			case <-ctx.Done():
				return nil
			default:
				i = batchSize
			}
		}

		batch := auditBatch{Events: events}

		release := func() {}
		if p.sem != nil {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				slog.Error("guardian: failed to acquire audit publish semaphore", slog.Any("error", err))
				return err
			}
			release = func() { p.sem.Release(1) }
		}

		go func(batch auditBatch) {
			defer release()
			publishCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer cancel()
			if err := p.publish(publishCtx, batch); err != nil {
				slog.Error("guardian: failed to publish audit batch", slog.Any("error", err))
			}
		}(batch)
	}
}

func (p *RedisAuditPublisher) publish(ctx context.Context, batch auditBatch) error {
	eventBytes, err := json.Marshal(batch.Events)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"events": eventBytes},
		MaxLen: p.maxStreamLen,
		Approx: true,
	}).Err()
}

func (p *RedisAuditPublisher) consume(ctx context.Context, sink AuditSink) error {
	lastMessageID := p.loadInitialMessageID()

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		messages, err := p.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{p.stream, lastMessageID},
			Count:   100,
			Block:   0,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Error("guardian: error reading audit stream", slog.Any("error", err))
			time.Sleep(p.backoff.Duration())
			continue
		}
		p.backoff.Reset()

		var wg sync.WaitGroup
		for _, stream := range messages {
			for _, msg := range stream.Messages {
				raw, ok := msg.Values["events"].(string)
				if !ok {
					continue
				}
				var events []AuditEvent
				if err := json.Unmarshal([]byte(raw), &events); err != nil {
					slog.Error("guardian: malformed audit batch", slog.Any("error", err))
					continue
				}
				for _, event := range events {
					wg.Add(1)
					go func(event AuditEvent) {
						defer wg.Done()
						sink(event)
					}(event)
				}
				lastMessageID = msg.ID
			}
		}
		wg.Wait()
	}
}

func (p *RedisAuditPublisher) loadInitialMessageID() string {
	if p.initialLoadOffset <= 0 {
		return "$"
	}
	since := time.Now().Add(-p.initialLoadOffset)
	return strconv.FormatInt(since.UnixMilli(), 10)
}
