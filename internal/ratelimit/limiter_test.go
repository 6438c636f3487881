package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"storegate/internal/observability"
)

type stubBackend struct {
	allow func(ctx context.Context, scope Scope, clientKey string, now time.Time) (Decision, error)
}

func (s *stubBackend) Allow(ctx context.Context, scope Scope, clientKey string, now time.Time) (Decision, error) {
	return s.allow(ctx, scope, clientKey, now)
}

func newTestLimiter(t *testing.T, eventual, strong Backend) *Limiter {
	t.Helper()
	return New(eventual, strong, observability.NewLogger(), nil)
}

func TestLimiterRegisterValidation(t *testing.T) {
	limiter := newTestLimiter(t, nil, nil)

	require.Error(t, limiter.Register(Scope{Window: time.Minute, Max: 1, Mode: ModeStrong}))
	require.Error(t, limiter.Register(Scope{Name: "a", Max: 1, Mode: ModeStrong}))
	require.Error(t, limiter.Register(Scope{Name: "a", Window: time.Minute, Mode: ModeStrong}))

	err := limiter.Register(Scope{Name: "a", Window: time.Minute, Max: 1, Mode: "sloppy"})
	require.ErrorIs(t, err, ErrUnknownMode)

	require.NoError(t, limiter.Register(Scope{Name: "a", Window: time.Minute, Max: 1, Mode: ModeEventual}))

	scope, ok := limiter.Scope("a")
	require.True(t, ok)
	require.Equal(t, time.Minute, scope.Window)
}

func TestLimiterLoginBurstThenReject(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := newTestLimiter(t, NewSlidingWindowCache(client), NewSerializedCounter(time.Minute))
	require.NoError(t, limiter.Register(Scope{Name: "login", Window: time.Minute, Max: 3, Mode: ModeStrong}))

	current := time.Unix(1_700_000_000, 0).UTC()
	limiter.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		decision := limiter.Allow(context.Background(), "login", "4.4.4.4")
		require.True(t, decision.Allowed)
		require.Equal(t, 3-i-1, decision.Remaining)
		current = current.Add(time.Second)
	}

	decision := limiter.Allow(context.Background(), "login", "4.4.4.4")
	require.False(t, decision.Allowed)
	require.Equal(t, 57*time.Second, decision.RetryAfter)

	// A different client is unaffected.
	decision = limiter.Allow(context.Background(), "login", "5.5.5.5")
	require.True(t, decision.Allowed)
}

func TestLimiterUnregisteredScopeAdmits(t *testing.T) {
	failing := &stubBackend{allow: func(context.Context, Scope, string, time.Time) (Decision, error) {
		return Decision{}, errors.New("should not be called")
	}}
	limiter := newTestLimiter(t, failing, failing)

	decision := limiter.Allow(context.Background(), "never-registered", "client")
	require.True(t, decision.Allowed)
	require.Equal(t, -1, decision.Remaining)
}

func TestLimiterStrongFallsBackToEventual(t *testing.T) {
	strong := &stubBackend{allow: func(context.Context, Scope, string, time.Time) (Decision, error) {
		return Decision{}, errors.New("owner unavailable")
	}}
	eventual := &stubBackend{allow: func(context.Context, Scope, string, time.Time) (Decision, error) {
		return Decision{Allowed: true, Limit: 5, Remaining: 2}, nil
	}}
	limiter := newTestLimiter(t, eventual, strong)
	require.NoError(t, limiter.Register(Scope{Name: "login", Window: time.Minute, Max: 5, Mode: ModeStrong}))

	decision := limiter.Allow(context.Background(), "login", "client")
	require.True(t, decision.Allowed)
	require.Equal(t, 2, decision.Remaining)
}

func TestLimiterFailsOpenWhenAllBackendsFail(t *testing.T) {
	failing := &stubBackend{allow: func(context.Context, Scope, string, time.Time) (Decision, error) {
		return Decision{}, ErrCacheUnavailable
	}}
	limiter := newTestLimiter(t, failing, failing)
	require.NoError(t, limiter.Register(Scope{Name: "login", Window: time.Minute, Max: 5, Mode: ModeStrong}))

	decision := limiter.Allow(context.Background(), "login", "client")
	require.True(t, decision.Allowed)
	require.Equal(t, -1, decision.Remaining)
}

func TestLimiterEventualScopeSkipsStrongBackend(t *testing.T) {
	strong := &stubBackend{allow: func(context.Context, Scope, string, time.Time) (Decision, error) {
		return Decision{}, errors.New("should not be called")
	}}
	eventual := &stubBackend{allow: func(context.Context, Scope, string, time.Time) (Decision, error) {
		return Decision{Allowed: false, Limit: 1, Remaining: 0, RetryAfter: 30 * time.Second}, nil
	}}
	limiter := newTestLimiter(t, eventual, strong)
	require.NoError(t, limiter.Register(Scope{Name: "public-api", Window: time.Minute, Max: 1, Mode: ModeEventual}))

	decision := limiter.Allow(context.Background(), "public-api", "client")
	require.False(t, decision.Allowed)
	require.Equal(t, 30*time.Second, decision.RetryAfter)
}
