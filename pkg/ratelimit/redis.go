package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
// ARGV[5] = idle expiry in seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// DefaultKeyPrefix namespaces bucket keys.
const DefaultKeyPrefix = "pulse:ratelimit:"

// RedisStore implements Store on Redis so every instance shares buckets.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  func() time.Time
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    time.Minute,
		clock:  time.Now,
	}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis limiter: ping %s: %w", addr, err)
	}
	return NewRedisStore(client), nil
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

// WithClock overrides the clock used for refill timestamps.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

// Client returns the underlying client for sharing with other Redis users.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	p := policy.normalized()
	now := float64(s.clock().UnixMicro()) / 1e6
	ttl := int(s.ttl.Seconds())

	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		p.RPS, p.Burst, cost, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
