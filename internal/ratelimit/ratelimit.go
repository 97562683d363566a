// Package ratelimit implements the Redis-backed token-bucket rate
// limiting used at both the client API surface and the federation
// plane. Buckets are keyed per caller
// (client DID or peer DS DID) and refill continuously, implemented as
// a small Lua script so the check-and-decrement is atomic under
// concurrent requests from the same caller across the fleet.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catbird-chat/ds/internal/dserr"
)

// DefaultClientRate is the default per-DID client budget: 20 req/s
// sustained with a burst capacity of 40.
const (
	DefaultClientRate  = 20.0
	DefaultClientBurst = 40.0
)

// tokenBucketScript atomically refills and attempts to withdraw one
// token from the bucket identified by KEYS[1]. ARGV: rate (tokens/sec),
// burst (bucket capacity), now (unix seconds, float).
//
// Mirrors the classic Redis token-bucket recipe: state is
// (tokens, last_refill_unix) stored as a hash, refilled lazily on each
// call rather than via a background job.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call("HMGET", key, "tokens", "last")
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])

if tokens == nil then
  tokens = burst
  last = now
end

local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", key, "tokens", tokens, "last", now)
redis.call("EXPIRE", key, math.ceil(burst / rate) + 1)

return {allowed, tokens}
`

// Limiter enforces per-caller token-bucket budgets.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
}

func New(redisClient *redis.Client) *Limiter {
	return &Limiter{redis: redisClient, script: redis.NewScript(tokenBucketScript)}
}

// Result describes the outcome of a rate-limit check.
type Result struct {
	Allowed        bool
	RemainingTokens float64
	RetryAfter     time.Duration
}

// Allow attempts to withdraw one token from the bucket identified by
// key (typically "client:<did>" or "federation:<peer-ds-did>"), at the
// given rate (tokens/sec) and burst (bucket capacity).
func (l *Limiter) Allow(ctx context.Context, key string, rate, burst float64) (Result, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.redis, []string{"ratelimit:" + key}, rate, burst, now).Result()
	if err != nil {
		return Result{}, dserr.Wrap(dserr.KindInternal, "evaluating rate-limit script", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, dserr.New(dserr.KindInternal, "unexpected rate-limit script result shape")
	}
	allowed, _ := vals[0].(int64)
	remaining := toFloat(vals[1])

	result := Result{Allowed: allowed == 1, RemainingTokens: remaining}
	if !result.Allowed {
		deficit := 1 - remaining
		if deficit < 0 {
			deficit = 0
		}
		result.RetryAfter = time.Duration(deficit/rate*1e9) * time.Nanosecond
	}
	return result, nil
}

// AllowClient checks the default per-DID client budget.
func (l *Limiter) AllowClient(ctx context.Context, did string) (Result, error) {
	return l.Allow(ctx, fmt.Sprintf("client:%s", did), DefaultClientRate, DefaultClientBurst)
}

// AllowPeer checks a federation peer's configured per-minute budget
// (identity.PeerPolicy carries maxRequestsPerMinute per peer).
func (l *Limiter) AllowPeer(ctx context.Context, peerDSDID string, maxRequestsPerMinute int) (Result, error) {
	rate := float64(maxRequestsPerMinute) / 60.0
	burst := float64(maxRequestsPerMinute)
	return l.Allow(ctx, fmt.Sprintf("federation:%s", peerDSDID), rate, burst)
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		var f float64
		fmt.Sscanf(n, "%f", &f)
		return f
	default:
		return 0
	}
}
