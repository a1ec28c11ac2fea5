/*
Package guardian is a distributed rate-limiting decision engine: a
token-bucket accounting core, a pluggable storage backend (local, remote
coordinator, or a batched reservation cache in front of the coordinator),
and a fail-mode policy that turns backend faults into admission decisions.

Example, a process-local limiter:

	l, err := guardian.NewLimiter(
		guardian.WithBackend(backend.NewLocal(policy, clock.System{}, time.Hour)),
		guardian.WithPolicy(policy),
		guardian.WithFailMode(guardian.FailClosed),
	)
	allowed, retryAfter, err := l.Check(ctx, "user1", 1)

A distributed limiter shares a Redis coordinator across processes, and can
amortize round trips through the batched reservation cache:

	remote, err := backend.NewRemote(ctx, redisClient, policy)
	batched, err := backend.NewBatched(remote, 100, time.Second)
	l, err := guardian.NewLimiter(
		guardian.WithBackend(batched),
		guardian.WithPolicy(policy),
	)

See cmd/guardiand for a runnable HTTP-facing reference service.
*/
package guardian
