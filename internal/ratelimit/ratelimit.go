// Package ratelimit implements a sliding-window request limiter keyed
// by client address, backed by Redis with an in-process fallback.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // set when denied
}

// Limiter admits up to limit requests per window per key. When Redis is
// unreachable the limiter silently degrades to a per-process window so
// a broker outage never takes the API down.
type Limiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	log    *zap.Logger

	mu    sync.Mutex
	local map[string][]time.Time
}

// New creates a Limiter. rdb may be nil to run purely in process.
func New(rdb redis.UniversalClient, limit int, window time.Duration, log *zap.Logger) *Limiter {
	if limit <= 0 {
		limit = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		log:    log.Named("ratelimit"),
		local:  make(map[string][]time.Time),
	}
}

// Allow records one request for key and decides admission.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if l.rdb != nil {
		d, err := l.allowRedis(ctx, key)
		if err == nil {
			return d
		}
		l.log.Debug("redis rate limit unavailable, using local window", zap.Error(err))
	}
	return l.allowLocal(key)
}

// allowRedis keeps one sorted set per key scored by request timestamp.
func (l *Limiter) allowRedis(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	redisKey := "ratelimit:" + key
	windowStart := now.Add(-l.window)
	member := fmt.Sprintf("%d", now.UnixNano())

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	count := int(countCmd.Val())
	if count <= l.limit {
		return Decision{Allowed: true, Remaining: l.limit - count}, nil
	}

	// Over the limit: remove the just-added member so denied requests do
	// not extend the lockout, and derive Retry-After from the oldest
	// surviving timestamp.
	l.rdb.ZRem(ctx, redisKey, member)
	retry := l.window
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		oldestAt := time.Unix(0, int64(oldest[0].Score))
		retry = l.window - now.Sub(oldestAt)
		if retry < time.Second {
			retry = time.Second
		}
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

func (l *Limiter) allowLocal(key string) Decision {
	now := time.Now()
	windowStart := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.local[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.local[key] = kept
		retry := l.window - now.Sub(kept[0])
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}

	kept = append(kept, now)
	l.local[key] = kept
	return Decision{Allowed: true, Remaining: l.limit - len(kept)}
}
