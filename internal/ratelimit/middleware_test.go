package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareSetsQuotaHeaders(t *testing.T) {
	limiter := newTestLimiter(t, nil, NewSerializedCounter(time.Minute))
	require.NoError(t, limiter.Register(Scope{Name: "login", Window: time.Minute, Max: 2, Mode: ModeStrong}))

	handler := limiter.Middleware("login", okHandler())

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	limiter := newTestLimiter(t, nil, NewSerializedCounter(time.Minute))
	require.NoError(t, limiter.Register(Scope{Name: "login", Window: time.Minute, Max: 1, Mode: ModeStrong}))

	handler := limiter.Middleware("login", okHandler())

	first := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	first.RemoteAddr = "9.9.9.9:1234"
	handler.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	second.RemoteAddr = "9.9.9.9:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, second)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retryAfter, 1)
	require.LessOrEqual(t, retryAfter, 60)
}

func TestMiddlewareKeysByForwardedFor(t *testing.T) {
	limiter := newTestLimiter(t, nil, NewSerializedCounter(time.Minute))
	require.NoError(t, limiter.Register(Scope{Name: "login", Window: time.Minute, Max: 1, Mode: ModeStrong}))

	handler := limiter.Middleware("login", okHandler())

	first := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	first.Header.Set("X-Forwarded-For", "1.1.1.1, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), first)

	// Same first hop, different proxy chain: same client.
	second := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	second.Header.Set("X-Forwarded-For", "1.1.1.1, 10.0.0.2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Different first hop: independent quota.
	third := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	third.Header.Set("X-Forwarded-For", "2.2.2.2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, third)
	require.Equal(t, http.StatusOK, rec.Code)
}
