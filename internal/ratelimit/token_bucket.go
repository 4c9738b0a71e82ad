// Package ratelimit admits job submissions per tenant with a Redis token bucket.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnavailable = errors.New("ratelimit: store unavailable")

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*TokenBucket)

func WithKeyPrefix(prefix string) Option {
	return func(b *TokenBucket) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithTTL bounds how long an idle bucket is kept. Default: time to refill completely, at least a minute.
func WithTTL(d time.Duration) Option {
	return func(b *TokenBucket) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// WithClock injects the time source; the script takes its clock from the caller.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) {
		if now != nil {
			b.now = now
		}
	}
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. A capacity
// of zero or less disables limiting.
func NewTokenBucket(client redis.UniversalClient, capacity int, refillPerSecond float64, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		prefix:   "fleet",
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
	if refillPerSecond > 0 {
		b.ttl = time.Duration(float64(capacity) / refillPerSecond * float64(time.Second))
	}
	b.ttl = max(b.ttl, time.Minute)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Allow consumes a single token for the given key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	if b.capacity <= 0 {
		return Decision{Allowed: true, Remaining: math.Inf(1)}, nil
	}
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + ":ratelimit:" + key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, errors.Join(ErrUnavailable, err)
	}
	if len(res) < 2 {
		return Decision{}, errors.Join(ErrUnavailable, errors.New("unexpected script reply"))
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, _ := strconv.ParseFloat(raw, 64)

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed && b.refill > 0 {
		d.RetryAfter = time.Duration((1 - tokens) / b.refill * float64(time.Second))
	}
	return d, nil
}

// Tokens travel back as a string; Redis would truncate a Lua float reply.
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

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
