package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheUnavailable = errors.New("rate limit cache unavailable")

const (
	defaultKeyPrefix = "rl"
	defaultTTLGrace  = 5 * time.Second
	minRetryAfter    = time.Second
)

// SlidingWindowCache is the eventually-consistent backend: a per-key log
// of request timestamps in a shared TTL cache. The read-filter-append-write
// cycle is not atomic, so concurrent requests for the same key can
// over-admit slightly. That is the accepted tradeoff for low-stakes scopes;
// brute-force-sensitive scopes use SerializedCounter instead.
type SlidingWindowCache struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
}

func NewSlidingWindowCache(client redis.UniversalClient) *SlidingWindowCache {
	return &SlidingWindowCache{
		client: client,
		prefix: defaultKeyPrefix,
		grace:  defaultTTLGrace,
	}
}

func (s *SlidingWindowCache) Allow(ctx context.Context, scope Scope, clientKey string, now time.Time) (Decision, error) {
	key := s.prefix + ":" + scope.Name + ":" + clientKey

	var stamps []int64
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return Decision{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
	} else if err := json.Unmarshal(data, &stamps); err != nil {
		// Corrupt entry: start a fresh window rather than rejecting.
		stamps = nil
	}

	threshold := now.Add(-scope.Window).UnixMilli()
	kept := make([]int64, 0, len(stamps)+1)
	for _, stamp := range stamps {
		if stamp > threshold {
			kept = append(kept, stamp)
		}
	}

	if len(kept) >= scope.Max {
		// Appends are chronological, so kept[0] is the oldest survivor.
		retryAfter := time.UnixMilli(kept[0]).Add(scope.Window).Sub(now)
		if retryAfter < minRetryAfter {
			retryAfter = minRetryAfter
		}
		return Decision{Allowed: false, Limit: scope.Max, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	kept = append(kept, now.UnixMilli())
	encoded, err := json.Marshal(kept)
	if err != nil {
		return Decision{}, fmt.Errorf("encode rate limit window: %w", err)
	}

	// TTL runs slightly past the window to tolerate clock skew across nodes.
	if err := s.client.Set(ctx, key, encoded, scope.Window+s.grace).Err(); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	return Decision{Allowed: true, Limit: scope.Max, Remaining: scope.Max - len(kept)}, nil
}
