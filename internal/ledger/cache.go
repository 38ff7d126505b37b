package ledger

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceCache is the read-through cache in front of CheckBalance. It serves
// reads only: Debit/Credit/ResetPeriod always go straight to the
// authoritative store and invalidate the cached value.
type BalanceCache interface {
	Get(ctx context.Context, principal string) (decimal.Decimal, bool)
	Set(ctx context.Context, principal string, balance decimal.Decimal)
	Invalidate(ctx context.Context, principal string)
}

// MemoryBalanceCache caches balances in process memory.
type MemoryBalanceCache struct {
	c *gocache.Cache
}

// NewMemoryBalanceCache creates an in-process cache with the given TTL.
func NewMemoryBalanceCache(ttl time.Duration) *MemoryBalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryBalanceCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryBalanceCache) Get(_ context.Context, principal string) (decimal.Decimal, bool) {
	v, ok := m.c.Get(principal)
	if !ok {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}

func (m *MemoryBalanceCache) Set(_ context.Context, principal string, balance decimal.Decimal) {
	m.c.SetDefault(principal, balance)
}

func (m *MemoryBalanceCache) Invalidate(_ context.Context, principal string) {
	m.c.Delete(principal)
}

// RedisBalanceCache caches balances in Redis so multiple gateway instances
// share one warm cache. Values are canonical decimal strings.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisBalanceCache wraps an existing Redis client.
func NewRedisBalanceCache(client *redis.Client, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisBalanceCache{client: client, ttl: ttl, prefix: "balance:"}
}

func (r *RedisBalanceCache) Get(ctx context.Context, principal string) (decimal.Decimal, bool) {
	val, err := r.client.Get(ctx, r.prefix+principal).Result()
	if err != nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		// Unparseable cache entries are dropped, never trusted.
		r.client.Del(ctx, r.prefix+principal)
		return decimal.Zero, false
	}
	return d, true
}

func (r *RedisBalanceCache) Set(ctx context.Context, principal string, balance decimal.Decimal) {
	r.client.Set(ctx, r.prefix+principal, balance.String(), r.ttl)
}

func (r *RedisBalanceCache) Invalidate(ctx context.Context, principal string) {
	r.client.Del(ctx, r.prefix+principal)
}
