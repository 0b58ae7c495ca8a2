package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"graphflow-scheduler/internal/errs"
)

const keyPrefix = "scheduler:ratelimit:"

// TokenBucket throttles job dispatches with a Redis-backed token bucket, so
// the limit holds even when several scheduler processes share one store.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// AllowJob consumes one token for the job type. Exhaustion is reported as a
// retryable *errs.RateLimitError whose RetryAfter reflects the refill rate.
func (b *TokenBucket) AllowJob(ctx context.Context, jobType string) error {
	allowed, _, err := b.allow(ctx, keyPrefix+jobType)
	if err != nil {
		return &errs.ConnectionError{Service: "redis", Err: err}
	}
	if !allowed {
		retryAfter := time.Second
		if b.refill > 0 {
			retryAfter = time.Duration(float64(time.Second) / b.refill)
		}
		return &errs.RateLimitError{Service: "dispatch:" + jobType, RetryAfter: retryAfter}
	}
	return nil
}

// allow runs the bucket script for key, returning the allowed flag and the
// remaining token count.
func (b *TokenBucket) allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
