package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "resizeflow:ratelimit"

// ErrCostExceedsCapacity is returned when a single request asks for more
// tokens than the bucket can ever hold.
var ErrCostExceedsCapacity = errors.New("request cost exceeds bucket capacity")

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// RedisTokenBucket meters render work per subject. Each subject owns a hash
// holding its token count and the time of the last refill; the whole
// check-and-take runs as one Lua script so concurrent gateways agree.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - ts) * capacity / window_ms)

local wait_ms = 0
local ok = 0
if tokens >= cost then
  tokens = tokens - cost
  ok = 1
else
  wait_ms = math.ceil((cost - tokens) * window_ms / capacity)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now_ms)
redis.call("PEXPIRE", KEYS[1], window_ms * 2)

return {ok, math.floor(tokens), wait_ms}
`)

// NewRedisTokenBucket allows capacity tokens per window for every subject.
func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case window < time.Millisecond:
		return nil, errors.New("window must be at least one millisecond")
	}

	keyPrefix = strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(capacity),
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) Capacity() int64 {
	return l.capacity
}

// Allow takes a single token.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens at once, or none. A pre-warm job pays one token per
// variant it asks the worker to render.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	if int64(cost) > l.capacity {
		return Decision{}, fmt.Errorf("%w: cost %d, capacity %d", ErrCostExceedsCapacity, cost, l.capacity)
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	raw, err := takeScript.Run(ctx, l.client,
		[]string{l.keyPrefix + ":" + subject},
		l.capacity,
		l.window.Milliseconds(),
		l.now().UTC().UnixMilli(),
		cost,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("token bucket script returned %d values", len(raw))
	}

	var parsed [3]int64
	for i, v := range raw {
		if parsed[i], err = toInt64(v); err != nil {
			return Decision{}, fmt.Errorf("token bucket value %d: %w", i, err)
		}
	}

	return Decision{
		Allowed:    parsed[0] == 1,
		Remaining:  parsed[1],
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", in)
	}
}
