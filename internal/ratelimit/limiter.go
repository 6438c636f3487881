package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storegate/internal/observability"
)

// Mode selects which backend serves a scope. The choice is fixed at
// startup per scope, never negotiated per request.
type Mode string

const (
	// ModeEventual uses the shared-cache sliding window. Concurrent
	// requests for the same key may race on its read-modify-write cycle,
	// permitting limited over-admission.
	ModeEventual Mode = "eventual"
	// ModeStrong uses the serialized fixed-window counter. Required for
	// brute-force-sensitive scopes where a distributed attacker must not
	// exceed the global limit.
	ModeStrong Mode = "strong"
)

type Scope struct {
	Name   string
	Window time.Duration
	Max    int
	Mode   Mode
}

// Decision is the limiter's answer for a single request.
// Remaining < 0 means the quota is unknown (fail-open path).
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Backend interface {
	Allow(ctx context.Context, scope Scope, clientKey string, now time.Time) (Decision, error)
}

var ErrUnknownMode = errors.New("unknown rate limit mode")

type Limiter struct {
	scopes   map[string]Scope
	eventual Backend
	strong   Backend
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func New(eventual, strong Backend, logger *observability.Logger, metrics *observability.Metrics) *Limiter {
	return &Limiter{
		scopes:   make(map[string]Scope),
		eventual: eventual,
		strong:   strong,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a scope to the limiter. Scopes are a startup-time
// configuration; Register must not be called after requests start flowing.
func (l *Limiter) Register(scope Scope) error {
	if scope.Name == "" {
		return errors.New("scope name is required")
	}
	if scope.Window <= 0 {
		return fmt.Errorf("scope %s: window must be positive", scope.Name)
	}
	if scope.Max <= 0 {
		return fmt.Errorf("scope %s: max must be positive", scope.Name)
	}
	if scope.Mode != ModeEventual && scope.Mode != ModeStrong {
		return fmt.Errorf("scope %s: %w: %q", scope.Name, ErrUnknownMode, scope.Mode)
	}

	l.scopes[scope.Name] = scope
	return nil
}

// Scope returns the registered configuration for a scope name.
func (l *Limiter) Scope(name string) (Scope, bool) {
	scope, ok := l.scopes[name]
	return scope, ok
}

// Allow decides whether a request identified by clientKey may proceed
// under the named scope. An unregistered scope admits the request: scopes
// are an allowlist and a misconfigured name must not take down traffic.
//
// Backend failures never reject: the strong backend falls back to the
// eventual one, and if that also fails the request is admitted (fail open)
// with Remaining reported as unknown.
func (l *Limiter) Allow(ctx context.Context, scopeName, clientKey string) Decision {
	scope, ok := l.scopes[scopeName]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}

	now := l.now()

	if scope.Mode == ModeStrong {
		decision, err := l.strong.Allow(ctx, scope, clientKey, now)
		if err == nil {
			l.observe(scope.Name, decision)
			return decision
		}
		l.logger.Error("ratelimit_strong_backend_failed", map[string]any{
			"scope": scope.Name,
			"error": err.Error(),
		})
		l.metrics.ObserveRateLimit(scope.Name, "fallback")
	}

	decision, err := l.eventual.Allow(ctx, scope, clientKey, now)
	if err == nil {
		l.observe(scope.Name, decision)
		return decision
	}

	l.logger.Error("ratelimit_fail_open", map[string]any{
		"scope": scope.Name,
		"error": err.Error(),
	})
	l.metrics.ObserveRateLimit(scope.Name, "fail_open")

	return Decision{Allowed: true, Limit: scope.Max, Remaining: -1}
}

func (l *Limiter) observe(scopeName string, decision Decision) {
	if decision.Allowed {
		l.metrics.ObserveRateLimit(scopeName, "allowed")
	} else {
		l.metrics.ObserveRateLimit(scopeName, "rejected")
	}
}
