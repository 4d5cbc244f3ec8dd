package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// slidingWindowScript admits a request when fewer than limit requests were
// recorded in the trailing window. It returns 0 when admitted, otherwise the
// number of microseconds until the oldest entry leaves the window. Redis
// server time is used so that every process agrees on the clock.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local member = ARGV[3]

	local t = redis.call('TIME')
	local now = tonumber(t[1]) * 1000000 + tonumber(t[2])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)

	if count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000))
		return 0
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local wait = tonumber(oldest[2]) + window - now
	if wait < 1 then
		wait = 1
	end
	return wait
`)

// Redis is a sliding-window limiter shared by every process pointed at the
// same key. When Redis is unreachable it degrades to the local limiter.
type Redis struct {
	client   *redis.Client
	key      string
	limit    int
	window   time.Duration
	fallback *Local
	logger   *zap.Logger
}

// NewRedis creates a distributed limiter admitting n requests per period
func NewRedis(client *redis.Client, key string, n int, per time.Duration, logger *zap.Logger) *Redis {
	return &Redis{
		client:   client,
		key:      key,
		limit:    n,
		window:   per,
		fallback: NewLocal(n, per),
		logger:   logger,
	}
}

func (r *Redis) Wait(ctx context.Context) error {
	member := uuid.NewString()

	for {
		wait, err := r.reserve(ctx, member)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("Redis rate limit check failed, using local limiter",
				zap.Error(err),
				zap.String("key", r.key))
			return r.fallback.Wait(ctx)
		}

		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) reserve(ctx context.Context, member string) (time.Duration, error) {
	result, err := slidingWindowScript.Run(
		ctx,
		r.client,
		[]string{r.key},
		r.window.Microseconds(),
		r.limit,
		member,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("sliding window script: %w", err)
	}

	return time.Duration(result) * time.Microsecond, nil
}
