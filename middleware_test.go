package guardian_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianhq/guardian"
)

func TestHTTPMiddleware_AllowsAndDenies(t *testing.T) {
	fb := &fakeBackend{allowed: true}
	l, err := guardian.NewLimiter(guardian.WithBackend(fb), guardian.WithPolicy(testPolicy))
	require.NoError(t, err)

	handlerCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	mw := guardian.HTTPMiddleware(l, func(r *http.Request) string { return "user1" })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	mw(next).ServeHTTP(rec, req)

	assert.True(t, handlerCalled)
	assert.Equal(t, http.StatusOK, rec.Code)

	fb.allowed = false
	handlerCalled = false
	rec = httptest.NewRecorder()
	mw(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, handlerCalled)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHTTPMiddleware_DeniesWithRetryAfter(t *testing.T) {
	fb := &fakeBackend{allowed: false, retryAfter: 3 * time.Second}
	l, err := guardian.NewLimiter(guardian.WithBackend(fb), guardian.WithPolicy(testPolicy))
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not be called when denied")
	})

	mw := guardian.HTTPMiddleware(l, func(r *http.Request) string { return "user1" })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	mw(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
}

func TestHTTPMiddleware_InvalidKeyYieldsBadRequest(t *testing.T) {
	fb := &fakeBackend{allowed: true}
	l, err := guardian.NewLimiter(guardian.WithBackend(fb), guardian.WithPolicy(testPolicy))
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not be called on a programmer error")
	})

	mw := guardian.HTTPMiddleware(l, func(r *http.Request) string { return "" })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	mw(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
