package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultOwnerIdle = 5 * time.Minute

type allowRequest struct {
	scope Scope
	now   time.Time
	reply chan Decision
}

type counterOwner struct {
	requests chan allowRequest
	done     chan struct{}
}

// SerializedCounter is the strongly-consistent backend: one owner
// goroutine per (scope, clientKey) holds the fixed-window count and
// window start. All requests for a key are message-passed to its owner,
// so concurrent requests for the same key are serialized while different
// keys proceed independently. Owners retire after an idle period.
type SerializedCounter struct {
	mu        sync.Mutex
	owners    map[string]*counterOwner
	idleAfter time.Duration
}

func NewSerializedCounter(idleAfter time.Duration) *SerializedCounter {
	if idleAfter <= 0 {
		idleAfter = defaultOwnerIdle
	}
	return &SerializedCounter{
		owners:    make(map[string]*counterOwner),
		idleAfter: idleAfter,
	}
}

func (c *SerializedCounter) Allow(ctx context.Context, scope Scope, clientKey string, now time.Time) (Decision, error) {
	key := scope.Name + ":" + clientKey
	req := allowRequest{scope: scope, now: now, reply: make(chan Decision, 1)}

	for {
		owner := c.owner(key)

		select {
		case owner.requests <- req:
			select {
			case decision := <-req.reply:
				return decision, nil
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			}
		case <-owner.done:
			// Owner retired between lookup and send; get a fresh one.
			continue
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}
}

func (c *SerializedCounter) owner(key string) *counterOwner {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.owners[key]; ok {
		return owner
	}

	owner := &counterOwner{
		requests: make(chan allowRequest),
		done:     make(chan struct{}),
	}
	c.owners[key] = owner
	go c.run(key, owner)
	return owner
}

func (c *SerializedCounter) run(key string, owner *counterOwner) {
	var (
		count       int
		windowStart time.Time
	)

	idle := time.NewTimer(c.idleAfter)
	defer idle.Stop()

	for {
		select {
		case req := <-owner.requests:
			req.reply <- decide(&count, &windowStart, req.scope, req.now)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.idleAfter)
		case <-idle.C:
			c.mu.Lock()
			delete(c.owners, key)
			close(owner.done)
			c.mu.Unlock()
			return
		}
	}
}

func decide(count *int, windowStart *time.Time, scope Scope, now time.Time) Decision {
	if *count == 0 || now.Sub(*windowStart) >= scope.Window {
		*windowStart = now
		*count = 1
		return Decision{Allowed: true, Limit: scope.Max, Remaining: scope.Max - 1}
	}

	if *count >= scope.Max {
		retryAfter := scope.Window - now.Sub(*windowStart)
		if retryAfter < minRetryAfter {
			retryAfter = minRetryAfter
		}
		return Decision{Allowed: false, Limit: scope.Max, Remaining: 0, RetryAfter: retryAfter}
	}

	*count++
	return Decision{Allowed: true, Limit: scope.Max, Remaining: scope.Max - *count}
}
