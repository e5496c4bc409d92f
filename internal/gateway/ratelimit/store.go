package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/redis"
)

// Store keeps the request counters. Admit must check both windows and, only
// when both have room, increment them as one atomic step. Counts are
// returned as they were before the increment.
//
// *redis.Client implements Store for multi-instance deployments.
type Store interface {
	Admit(ctx context.Context, monthKey, minuteKey string, monthlyLimit, burstLimit int64, monthTTL, minuteTTL time.Duration) (outcome int, monthly, minute int64, err error)
	Counters(ctx context.Context, keys ...string) ([]int64, error)
}

var _ Store = (*redis.Client)(nil)

// MemoryStore is a single-instance Store. Counters expire with their window.
type MemoryStore struct {
	mu       sync.Mutex
	counters *cache.Cache
}

// NewMemoryStore creates an in-process counter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: cache.New(time.Minute, 10*time.Minute),
	}
}

func (s *MemoryStore) Admit(ctx context.Context, monthKey, minuteKey string, monthlyLimit, burstLimit int64, monthTTL, minuteTTL time.Duration) (int, int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	monthly := s.get(monthKey)
	minute := s.get(minuteKey)

	if monthly >= monthlyLimit {
		return redis.AdmitDeniedMonthly, monthly, minute, nil
	}
	if minute >= burstLimit {
		return redis.AdmitDeniedBurst, monthly, minute, nil
	}

	s.incr(monthKey, monthTTL)
	s.incr(minuteKey, minuteTTL)
	return redis.AdmitAllowed, monthly, minute, nil
}

func (s *MemoryStore) Counters(ctx context.Context, keys ...string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = s.get(k)
	}
	return out, nil
}

func (s *MemoryStore) get(key string) int64 {
	if v, ok := s.counters.Get(key); ok {
		return v.(int64)
	}
	return 0
}

// incr keeps the expiry set by the first increment of a window
func (s *MemoryStore) incr(key string, ttl time.Duration) {
	if _, err := s.counters.IncrementInt64(key, 1); err != nil {
		s.counters.Set(key, int64(1), ttl)
	}
}
