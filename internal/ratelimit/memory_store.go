package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buckets in process memory. Suitable for a single
// gateway instance; buckets idle for longer than idleTTL are dropped by a
// background sweep so principals that stop sending traffic do not pin memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryEntry
	idleTTL time.Duration
	stop    chan struct{}
	done    chan struct{}
}

type memoryEntry struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// NewMemoryStore starts the sweep loop and returns the store.
func NewMemoryStore(idleTTL time.Duration) *MemoryStore {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	s := &MemoryStore{
		buckets: make(map[string]*memoryEntry),
		idleTTL: idleTTL,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, limit Limit) (bool, time.Duration, error) {
	s.mu.Lock()
	entry, ok := s.buckets[key]
	if !ok {
		entry = &memoryEntry{bucket: newTokenBucket(limit.Burst, limit.PerSecond)}
		s.buckets[key] = entry
	}
	entry.lastSeen = time.Now()
	s.mu.Unlock()

	if entry.bucket.allowN(1) {
		return true, 0, nil
	}
	return false, entry.bucket.waitTime(1), nil
}

func (s *MemoryStore) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

func (s *MemoryStore) sweep() {
	defer close(s.done)
	ticker := time.NewTicker(s.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTTL)
			s.mu.Lock()
			for key, entry := range s.buckets {
				if entry.lastSeen.Before(cutoff) {
					delete(s.buckets, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
