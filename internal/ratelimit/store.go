package ratelimit

import (
	"context"
	"sync"
	"time"
)

// CounterStore is a shared counter store for fixed-window limiting.
type CounterStore interface {
	// IncrementWithExpiry atomically increments key and returns the new
	// value. When the increment creates the key, its expiry is set to ttl.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current value, and false when the key does not exist.
	Get(ctx context.Context, key string) (int64, bool, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a process-local CounterStore. It only bounds workers that
// share the process; use RedisStore when several processes dispatch.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	now      func() time.Time
}

type memCounter struct {
	value     int64
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*memCounter), now: time.Now}
}

// WithClock replaces the wall clock used for expiry.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) IncrementWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.value++
	s.sweep(now)
	return c.value, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !s.now().Before(c.expiresAt) {
		return 0, false, nil
	}
	return c.value, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

// sweep drops expired counters. Caller holds mu.
func (s *MemoryStore) sweep(now time.Time) {
	for k, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, k)
		}
	}
}
