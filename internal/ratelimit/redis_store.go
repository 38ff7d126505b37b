package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares bucket state across gateway instances. The bucket is a
// Redis hash holding the token count and the last refill timestamp; a Lua
// script performs refill-and-take atomically so concurrent instances never
// double-spend a token.
type RedisStore struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

// The script returns {allowed, wait_ms}. Keys expire after the time a full
// refill from empty would take, so idle principals clean themselves up.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'stamp')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  stamp = now_ms
end

local elapsed = (now_ms - stamp) / 1000.0
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'stamp', now_ms)
redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000) + 60000)
return {allowed, wait_ms}
`)

// NewRedisStore wraps an existing client. The prefix namespaces bucket keys
// so the store can share a database with the balance cache.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix, script: allowScript}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit Limit) (bool, time.Duration, error) {
	res, err := s.script.Run(ctx, s.client,
		[]string{s.prefix + ":" + key},
		limit.Burst, limit.PerSecond, time.Now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit script: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
