// Package limiter implements the provider token bucket shared by every
// worker process. Bucket state lives in a Redis hash and every operation
// is one Lua script, so refill, check and deduct happen in a single round
// trip.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

// usageTTL keeps daily usage counters around for a month of reporting.
const usageTTL = 30 * 24 * time.Hour

// ErrInvalidConfig is returned for a non-positive capacity or negative rate.
var ErrInvalidConfig = errors.New("invalid token bucket config")

// refillLua brings the bucket up to date and optionally consumes ARGV[4].
// ARGV[3] is the caller clock in unix millis; 0 selects the Redis clock.
// Elapsed time is never negative and last_refill_ms never moves backward,
// so a worker with a lagging clock cannot mint or destroy tokens.
const refillLua = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local want = tonumber(ARGV[4])

if now <= 0 then
  local t = redis.call('TIME')
  now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + (elapsed / 60000) * rate
if tokens > capacity then tokens = capacity end
if tokens < 0 then tokens = 0 end
if now > last then last = now end

local granted = 0
if want > 0 and tokens >= want then
  tokens = tokens - want
  granted = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill_ms', tostring(last))
return {granted, tostring(tokens), tostring(last)}
`

// adjustLua refills, then deducts ARGV[4] (negative refunds), clamping to
// [0, capacity]. ARGV[5] is added to the daily usage counter KEYS[2].
const adjustLua = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local delta = tonumber(ARGV[4])
local usage = tonumber(ARGV[5])
local usageTTL = tonumber(ARGV[6])

if now <= 0 then
  local t = redis.call('TIME')
  now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + (elapsed / 60000) * rate - delta
if tokens > capacity then tokens = capacity end
if tokens < 0 then tokens = 0 end
if now > last then last = now end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill_ms', tostring(last))
if usage > 0 then
  redis.call('INCRBY', KEYS[2], usage)
  redis.call('EXPIRE', KEYS[2], usageTTL)
end
return tostring(tokens)
`

var (
	refillScript = redis.NewScript(refillLua)
	adjustScript = redis.NewScript(adjustLua)
)

// Config configures the bucket.
type Config struct {
	Capacity        float64
	RefillPerMinute float64
	// Clock supplies the refill clock. Nil uses the Redis server TIME so
	// all processes share one clock.
	Clock func() time.Time
}

// State is a point-in-time view of the bucket.
type State struct {
	TokensAvailable     float64   `json:"tokens_available"`
	Capacity            float64   `json:"capacity"`
	RefillRatePerMinute float64   `json:"refill_rate_per_minute"`
	LastRefillAt        time.Time `json:"last_refill_at"`
}

// TokenBucket is the Redis-backed shared limiter.
type TokenBucket struct {
	client *redis.Client
	keys   keys.Keys
	cfg    Config
	log    logger.Logger
}

// New creates a token bucket.
func New(client *redis.Client, k keys.Keys, cfg Config, log logger.Logger) (*TokenBucket, error) {
	if cfg.Capacity <= 0 || cfg.RefillPerMinute < 0 {
		return nil, fmt.Errorf("%w: capacity=%v refill=%v", ErrInvalidConfig, cfg.Capacity, cfg.RefillPerMinute)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &TokenBucket{client: client, keys: k, cfg: cfg, log: log}, nil
}

func (b *TokenBucket) nowMillis() int64 {
	if b.cfg.Clock == nil {
		return 0
	}
	return b.cfg.Clock().UnixMilli()
}

func (b *TokenBucket) today() time.Time {
	if b.cfg.Clock == nil {
		return time.Now().UTC()
	}
	return b.cfg.Clock().UTC()
}

func (b *TokenBucket) refill(ctx context.Context, want int) (granted bool, tokens float64, last int64, err error) {
	res, err := refillScript.Run(ctx, b.client, []string{b.keys.TokenBucket()},
		b.cfg.Capacity, b.cfg.RefillPerMinute, b.nowMillis(), want).Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("run refill script: %w", err)
	}
	if len(res) != 3 {
		return false, 0, 0, fmt.Errorf("refill script: unexpected reply length %d", len(res))
	}

	flag, _ := res[0].(int64)
	tokens, err = parseFloatReply(res[1])
	if err != nil {
		return false, 0, 0, err
	}
	lastF, err := parseFloatReply(res[2])
	if err != nil {
		return false, 0, 0, err
	}
	return flag == 1, tokens, int64(lastF), nil
}

// TryConsume deducts n tokens only if at least n are available. It never
// blocks; false means "not yet".
func (b *TokenBucket) TryConsume(ctx context.Context, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}

	granted, tokens, _, err := b.refill(ctx, n)
	if err != nil {
		return false, fmt.Errorf("consume tokens: %w", err)
	}
	if !granted {
		b.log.Debug("Token bucket denied",
			logger.Int("requested", n),
			logger.Float64("available", tokens),
		)
	}
	return granted, nil
}

// Available refills the bucket, persists the refilled value and returns it.
func (b *TokenBucket) Available(ctx context.Context) (float64, error) {
	_, tokens, _, err := b.refill(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("read available tokens: %w", err)
	}
	return tokens, nil
}

// State returns the refreshed bucket state.
func (b *TokenBucket) State(ctx context.Context) (State, error) {
	_, tokens, last, err := b.refill(ctx, 0)
	if err != nil {
		return State{}, fmt.Errorf("read bucket state: %w", err)
	}
	return State{
		TokensAvailable:     tokens,
		Capacity:            b.cfg.Capacity,
		RefillRatePerMinute: b.cfg.RefillPerMinute,
		LastRefillAt:        time.UnixMilli(last).UTC(),
	}, nil
}

// RecordUsage settles a reservation taken with TryConsume against the
// provider-reported cost and adds actual to today's usage counter.
func (b *TokenBucket) RecordUsage(ctx context.Context, actual, reserved int) error {
	if actual < 0 {
		actual = 0
	}
	if err := b.adjust(ctx, actual-reserved, actual); err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}
	return nil
}

// Refund returns n unused reserved tokens, capped at capacity.
func (b *TokenBucket) Refund(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := b.adjust(ctx, -n, 0); err != nil {
		return fmt.Errorf("refund tokens: %w", err)
	}
	return nil
}

func (b *TokenBucket) adjust(ctx context.Context, delta, usage int) error {
	return adjustScript.Run(ctx, b.client,
		[]string{b.keys.TokenBucket(), b.keys.TokensUsedToday(b.today())},
		b.cfg.Capacity, b.cfg.RefillPerMinute, b.nowMillis(), delta, usage, int64(usageTTL.Seconds()),
	).Err()
}

// UsedToday returns the provider tokens recorded today.
func (b *TokenBucket) UsedToday(ctx context.Context) (int64, error) {
	n, err := b.client.Get(ctx, b.keys.TokensUsedToday(b.today())).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read tokens used today: %w", err)
	}
	return n, nil
}

func parseFloatReply(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected script reply type %T", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse script reply %q: %w", s, err)
	}
	return f, nil
}
