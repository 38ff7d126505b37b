package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger combines the authoritative store with the read-through balance
// cache and the tier allocation table.
type Ledger struct {
	store       Store
	cache       BalanceCache
	stats       CacheStats
	allocations map[string]decimal.Decimal
	defaultTier string
	logger      *log.Logger
}

// CacheStats counts balance cache lookups. Implemented by the metrics set.
type CacheStats interface {
	CacheHit()
	CacheMiss()
}

// Config configures the ledger service.
type Config struct {
	Store Store
	// Cache is optional; nil disables balance caching.
	Cache BalanceCache
	// CacheStats is optional lookup accounting.
	CacheStats CacheStats
	// Allocations maps tier name to the periodic credit allocation.
	Allocations map[string]decimal.Decimal
	// DefaultTier is used for principals whose tier is unknown.
	DefaultTier string
	Logger      *log.Logger
}

// New creates the ledger service.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger: store required")
	}
	if len(cfg.Allocations) == 0 {
		return nil, fmt.Errorf("ledger: tier allocations required")
	}
	if _, ok := cfg.Allocations[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("ledger: default tier %q has no allocation", cfg.DefaultTier)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[ledger] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Ledger{
		store:       cfg.Store,
		cache:       cfg.Cache,
		stats:       cfg.CacheStats,
		allocations: cfg.Allocations,
		defaultTier: cfg.DefaultTier,
		logger:      logger,
	}, nil
}

// Allocation returns the periodic allocation for a tier, falling back to the
// default tier's allocation for unknown tiers.
func (l *Ledger) Allocation(tier string) decimal.Decimal {
	if a, ok := l.allocations[tier]; ok {
		return a
	}
	return l.allocations[l.defaultTier]
}

// EnsureAccount creates the principal's account on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, principal, tier string) (Account, error) {
	if _, ok := l.allocations[tier]; !ok {
		tier = l.defaultTier
	}
	return l.store.EnsureAccount(ctx, principal, tier, l.Allocation(tier))
}

// CheckBalance is the read-only pre-flight balance. It may serve a slightly
// stale cached value; execution-time checks happen atomically inside Debit.
func (l *Ledger) CheckBalance(ctx context.Context, principal string) (decimal.Decimal, error) {
	if l.cache != nil {
		if bal, ok := l.cache.Get(ctx, principal); ok {
			if l.stats != nil {
				l.stats.CacheHit()
			}
			return bal, nil
		}
		if l.stats != nil {
			l.stats.CacheMiss()
		}
	}
	acct, err := l.store.GetAccount(ctx, principal)
	if err != nil {
		return decimal.Zero, err
	}
	if l.cache != nil {
		l.cache.Set(ctx, principal, acct.Balance)
	}
	return acct.Balance, nil
}

// Debit bypasses the cache, mutates the authoritative store and invalidates
// the cached balance.
func (l *Ledger) Debit(ctx context.Context, principal string, amount decimal.Decimal, meta DebitMeta) (Transaction, error) {
	txn, err := l.store.Debit(ctx, principal, amount, meta)
	if err != nil {
		return Transaction{}, err
	}
	if l.cache != nil {
		l.cache.Invalidate(ctx, principal)
	}
	return txn, nil
}

// Credit bypasses the cache; idempotent per correlation id, so the refund
// path may be retried safely.
func (l *Ledger) Credit(ctx context.Context, principal string, amount decimal.Decimal, reason, correlationID string) (Transaction, error) {
	txn, err := l.store.Credit(ctx, principal, amount, reason, correlationID)
	if err != nil {
		return Transaction{}, err
	}
	if l.cache != nil {
		l.cache.Invalidate(ctx, principal)
	}
	return txn, nil
}

// History proxies the transaction log.
func (l *Ledger) History(ctx context.Context, principal string, limit int) ([]Transaction, error) {
	return l.store.History(ctx, principal, limit)
}

// ResetPeriod restores one account to its tier allocation.
func (l *Ledger) ResetPeriod(ctx context.Context, principal string) (Transaction, error) {
	acct, err := l.store.GetAccount(ctx, principal)
	if err != nil {
		return Transaction{}, err
	}
	txn, err := l.store.ResetPeriod(ctx, principal, l.Allocation(acct.Tier))
	if err != nil {
		return Transaction{}, err
	}
	if l.cache != nil {
		l.cache.Invalidate(ctx, principal)
	}
	return txn, nil
}

// ResetScheduler resets every account at the start of its new allocation
// period. It runs independently of request traffic.
type ResetScheduler struct {
	ledger   *Ledger
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewResetScheduler creates a scheduler that re-evaluates accounts on the
// given interval (an hour is plenty for monthly resets).
func NewResetScheduler(l *Ledger, interval time.Duration) *ResetScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ResetScheduler{
		ledger:   l,
		interval: interval,
		logger:   log.New(log.Writer(), "[ledger/reset] ", log.LstdFlags|log.Lmicroseconds),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scheduler loop. Safe to call once.
func (s *ResetScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx)
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (s *ResetScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *ResetScheduler) runOnce(ctx context.Context) {
	accounts, err := s.ledger.store.ListAccounts(ctx)
	if err != nil {
		s.logger.Printf("list accounts failed: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, acct := range accounts {
		if !periodElapsed(acct.LastReset, now) {
			continue
		}
		if _, err := s.ledger.ResetPeriod(ctx, acct.Principal); err != nil {
			s.logger.Printf("reset %s failed: %v", acct.Principal, err)
			continue
		}
		s.logger.Printf("reset principal=%s tier=%s allocation=%s",
			acct.Principal, acct.Tier, s.ledger.Allocation(acct.Tier))
	}
}

// periodElapsed reports whether lastReset falls in an earlier calendar month
// than now.
func periodElapsed(lastReset, now time.Time) bool {
	ly, lm, _ := lastReset.UTC().Date()
	ny, nm, _ := now.UTC().Date()
	return ny > ly || (ny == ly && nm > lm)
}
