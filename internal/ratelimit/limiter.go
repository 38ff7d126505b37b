// Package ratelimit throttles completion traffic per principal. Limits are
// expressed as a sustained request rate plus a burst allowance, with optional
// per-tier overrides so paid tiers can be granted more headroom. State lives
// in a pluggable Store: in-process buckets for a single node, Redis when
// several gateway instances share one budget.
package ratelimit

import (
	"context"
	"log"
	"time"
)

// Limit is a token bucket shape: up to Burst requests at once, refilled at
// PerSecond tokens per second.
type Limit struct {
	PerSecond float64
	Burst     float64
}

func (l Limit) valid() bool { return l.PerSecond > 0 && l.Burst > 0 }

// Store tracks bucket state for a set of keys.
type Store interface {
	// Allow takes one token from the bucket for key, creating it full when
	// absent. It returns whether the request may proceed and, when denied,
	// how long until a token will be available.
	Allow(ctx context.Context, key string, limit Limit) (bool, time.Duration, error)
	Close() error
}

// Limiter applies per-principal limits backed by a Store. A Store failure
// fails open: throttling protects capacity, it must never take the gateway
// down with it.
type Limiter struct {
	store    Store
	fallback Limit
	tiers    map[string]Limit
	logger   *log.Logger
}

// New builds a Limiter. fallback applies to any tier without an override.
func New(store Store, fallback Limit, tiers map[string]Limit, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.New(log.Writer(), "[ratelimit] ", log.LstdFlags)
	}
	return &Limiter{store: store, fallback: fallback, tiers: tiers, logger: logger}
}

// Allow reports whether principal may issue one more request under the limit
// for tier. The returned duration is a retry hint when the request is denied.
func (l *Limiter) Allow(ctx context.Context, principal, tier string) (bool, time.Duration, error) {
	limit := l.fallback
	if override, ok := l.tiers[tier]; ok && override.valid() {
		limit = override
	}
	if !limit.valid() {
		return true, 0, nil
	}

	ok, retryAfter, err := l.store.Allow(ctx, principal, limit)
	if err != nil {
		l.logger.Printf("store error for %s, failing open: %v", principal, err)
		return true, 0, nil
	}
	return ok, retryAfter, nil
}

// Close releases store resources.
func (l *Limiter) Close() error { return l.store.Close() }
