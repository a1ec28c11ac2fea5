package guardian

import (
	"fmt"
	"net/http"
)

// HTTPMiddleware is the reference RPC-collaborator stand-in: since the wire
// codec and RPC server are out of scope, this is "their interface to the
// core" -- adapted from the teacher's middleware.go, generalized from
// TryAcceptWithInfo to Limiter.Check.
func HTTPMiddleware(l *Limiter, keyFunc func(r *http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)

			allowed, retryAfter, err := l.Check(r.Context(), key, 1)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
