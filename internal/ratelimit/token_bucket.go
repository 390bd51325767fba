// Package ratelimit throttles demand submissions per edition.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more demand request for an edition may be accepted.
type Limiter interface {
	Allow(ctx context.Context, editionID int64) (bool, error)
}

// Unlimited accepts everything. It is used when no Redis is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, int64) (bool, error) { return true, nil }

// TokenBucket is a token bucket per edition shared through Redis, so every
// node in a cluster draws from the same allowance.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "demand:ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (b *TokenBucket) key(editionID int64) string {
	return fmt.Sprintf("%s%d", b.prefix, editionID)
}

// Allow consumes a single token from the edition's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, editionID int64) (bool, error) {
	allowed, _, err := b.Take(ctx, editionID)
	return allowed, err
}

// Take is Allow that also reports the tokens left.
func (b *TokenBucket) Take(ctx context.Context, editionID int64) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.key(editionID)},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit edition %d: %w", editionID, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("rate limit edition %d: unexpected reply %v", editionID, res)
	}
	allowed, _ := res[0].(int64)
	var tokens float64
	switch v := res[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		fmt.Sscanf(v, "%g", &tokens)
	}
	return allowed == 1, tokens, nil
}

// Tokens are returned as a string so fractional refill survives the Lua to RESP conversion.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
