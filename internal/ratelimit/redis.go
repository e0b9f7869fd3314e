package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// The script refuses to increment once the limit is reached, so a denied call
// is never counted.
var rateLimitScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[2]) then
  return {current, redis.call("PTTL", KEYS[1]), 0}
end
current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl, 1}
`)

// RedisLimiter shares counters across replicas. When redis is unreachable it
// falls back to process-local counters.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Fallback *InMemoryLimiter
	Timeout  time.Duration
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "agentwall:rl:",
		Fallback: NewInMemory(),
		Timeout:  500 * time.Millisecond,
	}
}

func (l *RedisLimiter) CheckAndConsume(ctx context.Context, identifier string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.Fallback.CheckAndConsume(ctx, identifier, limit, window)
	}
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + identifier}, window.Milliseconds(), limit).Result()
	if err != nil {
		log.Warn().Err(err).Str("identifier", identifier).Msg("redis rate limit unavailable, using local counters")
		return l.Fallback.CheckAndConsume(ctx, identifier, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.Fallback.CheckAndConsume(ctx, identifier, limit, window)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	allowed, _ := vals[2].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed == 1,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}
