package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializedCounterFixedWindow(t *testing.T) {
	counter := NewSerializedCounter(time.Minute)
	scope := Scope{Name: "login", Window: time.Minute, Max: 3, Mode: ModeStrong}
	start := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 3; i++ {
		decision, err := counter.Allow(context.Background(), scope, "1.2.3.4", start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		require.Equal(t, scope.Max-i-1, decision.Remaining)
	}

	decision, err := counter.Allow(context.Background(), scope, "1.2.3.4", start.Add(3*time.Second))
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 57*time.Second, decision.RetryAfter)

	// A new window starts once the old one has fully elapsed.
	decision, err = counter.Allow(context.Background(), scope, "1.2.3.4", start.Add(scope.Window))
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, scope.Max-1, decision.Remaining)
}

func TestSerializedCounterRetryAfterFloor(t *testing.T) {
	counter := NewSerializedCounter(time.Minute)
	scope := Scope{Name: "login", Window: time.Minute, Max: 1, Mode: ModeStrong}
	start := time.Unix(1_700_000_000, 0).UTC()

	_, err := counter.Allow(context.Background(), scope, "client", start)
	require.NoError(t, err)

	decision, err := counter.Allow(context.Background(), scope, "client", start.Add(scope.Window-time.Millisecond))
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, time.Second, decision.RetryAfter)
}

func TestSerializedCounterKeysAreIndependent(t *testing.T) {
	counter := NewSerializedCounter(time.Minute)
	scope := Scope{Name: "login", Window: time.Minute, Max: 1, Mode: ModeStrong}
	now := time.Unix(1_700_000_000, 0).UTC()

	decision, err := counter.Allow(context.Background(), scope, "1.1.1.1", now)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = counter.Allow(context.Background(), scope, "2.2.2.2", now)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = counter.Allow(context.Background(), scope, "1.1.1.1", now)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
}

func TestSerializedCounterAdmitsExactlyMaxUnderConcurrency(t *testing.T) {
	counter := NewSerializedCounter(time.Minute)
	scope := Scope{Name: "login", Window: time.Minute, Max: 10, Mode: ModeStrong}
	now := time.Unix(1_700_000_000, 0).UTC()

	const attempts = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := counter.Allow(context.Background(), scope, "shared", now)
			require.NoError(t, err)
			if decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, scope.Max, allowed)
}

func TestSerializedCounterOwnerRetiresWhenIdle(t *testing.T) {
	counter := NewSerializedCounter(20 * time.Millisecond)
	scope := Scope{Name: "login", Window: time.Minute, Max: 1, Mode: ModeStrong}
	now := time.Unix(1_700_000_000, 0).UTC()

	_, err := counter.Allow(context.Background(), scope, "client", now)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		counter.mu.Lock()
		defer counter.mu.Unlock()
		return len(counter.owners) == 0
	}, time.Second, 5*time.Millisecond)

	// Retirement also drops the window state, so a retired key starts over.
	decision, err := counter.Allow(context.Background(), scope, "client", now)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}
