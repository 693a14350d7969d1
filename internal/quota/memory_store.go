package quota

import (
	"context"
	"sync"

	"github.com/clinscale/clinscale/internal/plan"
)

type counterKey struct {
	teamID  string
	feature plan.FeatureKey
	period  string
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[counterKey]int64)}
}

func (s *MemoryStore) Increment(ctx context.Context, teamID string, feature plan.FeatureKey, period string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey{teamID, feature, period}] += amount
	return nil
}

func (s *MemoryStore) IncrementWithCeiling(ctx context.Context, teamID string, feature plan.FeatureKey, period string, amount, ceiling int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{teamID, feature, period}
	if s.counters[k]+amount > ceiling {
		return false, nil
	}
	s.counters[k] += amount
	return true, nil
}

func (s *MemoryStore) Count(ctx context.Context, teamID string, feature plan.FeatureKey, period string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{teamID, feature, period}], nil
}
