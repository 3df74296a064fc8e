// Package throttle rate-limits dispatch per target ARN. The counter lives
// in Redis so the limit is shared across every pipe (and process) pointing
// at the same target.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"event-pipes/internal/common/logging"
)

// Limiter gates a dispatch batch. A denied call returns how long to wait
// before asking again; callers delay the batch, they never drop it.
type Limiter interface {
	Allow(ctx context.Context, targetARN string) (bool, time.Duration, error)
	Close() error
}

// RedisLimiter implements a fixed-window counter per target ARN.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	logger logging.Logger
}

// NewRedisLimiter creates a limiter allowing limit dispatches per window
// for each target ARN.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger logging.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		logger: logger,
	}
}

// Allow increments the current window's counter for the target and reports
// whether the dispatch may proceed. A Redis outage fails open: throttling
// is a protection, not a delivery guarantee, so an unreachable counter
// never blocks dispatch.
func (l *RedisLimiter) Allow(ctx context.Context, targetARN string) (bool, time.Duration, error) {
	now := time.Now()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("throttle:%s:%d", targetARN, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("throttle store unavailable, allowing dispatch",
			logging.String("target", targetARN), logging.Any("error", err))
		return true, 0, nil
	}

	if incr.Val() > l.limit {
		retryAfter := windowStart.Add(l.window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// NoopLimiter is used when throttling is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(ctx context.Context, targetARN string) (bool, time.Duration, error) {
	return true, 0, nil
}

func (NoopLimiter) Close() error { return nil }
