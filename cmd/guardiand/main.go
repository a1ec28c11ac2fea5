// Command guardiand is the reference HTTP-facing service: it wires the
// config, logging, backend, and audit stack together behind
// guardian.HTTPMiddleware, adapted from the teacher's cmd/exampleweb/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"golang.org/x/exp/slog"

	"github.com/guardianhq/guardian"
	"github.com/guardianhq/guardian/backend"
	"github.com/guardianhq/guardian/bucket"
	"github.com/guardianhq/guardian/clock"
	"github.com/guardianhq/guardian/guardianconfig"
)

func main() {
	srvCfg, err := guardianconfig.LoadServer()
	if err != nil {
		log.Fatalf("guardiand: error loading server config: %v", err)
	}

	policyCfg, err := guardianconfig.LoadPolicy(srvCfg.PolicyPath)
	if err != nil {
		log.Fatalf("guardiand: error loading policy %q: %v", srvCfg.PolicyPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, auditPublisher := buildLimiter(ctx, srvCfg, policyCfg)
	if auditPublisher != nil {
		auditPublisher.Start(ctx, func(event guardian.AuditEvent) {
			slog.Info("guardian: audit event", slog.String("key", event.Key), slog.String("kind", event.Kind))
		})
	}

	keyGetter := func(r *http.Request) string {
		if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
			return ip
		}
		return r.RemoteAddr
	}

	r := mux.NewRouter()
	r.Use(loggingMiddleware)
	r.Use(guardian.HTTPMiddleware(l, keyGetter))
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", srvCfg.Port),
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("guardiand: listening", slog.Int("port", srvCfg.Port), slog.String("backend", policyCfg.Backend))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("guardiand: server error: %v", err)
	}
}

func buildLimiter(ctx context.Context, srvCfg guardianconfig.Server, policyCfg guardianconfig.Policy) (*guardian.Limiter, *guardian.RedisAuditPublisher) {
	policy := bucket.Policy{
		Capacity:       policyCfg.Capacity,
		RefillRate:     policyCfg.RefillRate,
		RefillInterval: policyCfg.RefillInterval(),
	}

	failMode := guardian.FailClosed
	if policyCfg.FailMode == "open" {
		failMode = guardian.FailOpen
	}

	var b backend.Backend
	var publisher *guardian.RedisAuditPublisher

	switch policyCfg.Backend {
	case "remote", "batched":
		coordinatorAddr := policyCfg.CoordinatorAddress
		if coordinatorAddr == "" {
			coordinatorAddr = srvCfg.RedisURL
		}
		rdb := redis.NewClient(&redis.Options{Addr: coordinatorAddr})

		remote, err := backend.NewRemote(ctx, rdb, policy)
		if err != nil {
			log.Fatalf("guardiand: error connecting to coordinator: %v", err)
		}

		if policyCfg.Backend == "batched" {
			batched, err := backend.NewBatched(remote, policyCfg.BatchSize, policyCfg.ReservationLease())
			if err != nil {
				log.Fatalf("guardiand: error constructing batched backend: %v", err)
			}
			b = batched
		} else {
			b = remote
		}

		publisher = guardian.NewRedisAuditPublisher(rdb)
	default:
		b = backend.NewLocal(policy, clock.System{}, policyCfg.IdleEviction())
	}

	opts := []guardian.Option{
		guardian.WithBackend(b),
		guardian.WithPolicy(policy),
		guardian.WithFailMode(failMode),
	}
	if publisher != nil {
		opts = append(opts, guardian.WithAuditPublisher(publisher))
	}

	l, err := guardian.NewLimiter(opts...)
	if err != nil {
		log.Fatalf("guardiand: error constructing limiter: %v", err)
	}
	return l, publisher
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("guardiand: request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}
