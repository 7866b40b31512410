package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket paces use of each browser profile across every worker. Buckets live in Redis
// under rl:binding:<name> as a hash of the token level and the last refill time.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	idle     time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a limiter whose buckets hold capacity tokens and regain
// refillPerSecond. A bucket untouched for idle is dropped and starts full again.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, idle time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "rl:binding:",
		capacity: capacity,
		refill:   refillPerSecond,
		idle:     idle,
		now:      time.Now,
	}
}

// Allow takes one token from the bucket of binding. When the bucket is empty it reports
// how long until the next token is due, so the caller can park the work for that long.
// A nil or zero-capacity limiter allows everything.
func (b *TokenBucket) Allow(ctx context.Context, binding string) (bool, time.Duration, error) {
	if b == nil || b.capacity <= 0 {
		return true, 0, nil
	}
	reply, err := takeScript.Run(ctx, b.client, []string{b.prefix + binding},
		b.capacity, b.refill, b.now().UnixMilli(), b.idle.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", binding, err)
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", binding, reply)
	}
	return reply[0] == 1, time.Duration(reply[1]) * time.Millisecond, nil
}

// Refund puts back a token taken by Allow when the work it guarded never started.
func (b *TokenBucket) Refund(ctx context.Context, binding string) error {
	if b == nil || b.capacity <= 0 {
		return nil
	}
	if err := refundScript.Run(ctx, b.client, []string{b.prefix + binding}, b.capacity).Err(); err != nil {
		return fmt.Errorf("refund %s: %w", binding, err)
	}
	return nil
}

// takeScript returns {allowed, wait_ms}; wait_ms is 0 when a token was taken. The level
// is stored in fixed-point notation: Lua's tonumber does not read back every exponent form
// tostring produces. A missing or unreadable level counts as a full bucket.
var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local level = tonumber(redis.call('HGET', KEYS[1], 'level')) or cap
local at = tonumber(redis.call('HGET', KEYS[1], 'at')) or now
if now > at then
  level = math.min(cap, level + (now - at) * rate / 1000)
end

local ok, wait = 0, 0
if level >= 1 then
  ok = 1
  level = level - 1
elseif rate > 0 then
  wait = math.ceil((1 - level) * 1000 / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'level', string.format('%.9f', level), 'at', ARGV[3])
if idle > 0 then redis.call('PEXPIRE', KEYS[1], idle) end
return {ok, wait}
`)

var refundScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local cap = tonumber(ARGV[1])
local level = tonumber(redis.call('HGET', KEYS[1], 'level')) or cap
redis.call('HSET', KEYS[1], 'level', string.format('%.9f', math.min(cap, level + 1)))
return 1
`)
