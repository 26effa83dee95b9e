package calibration

import (
	"context"
	"sync"
)

// ResultStore persists the latest Result per ruleId, closing the loop
// between the scheduler's periodic recompute and the L1 evaluator's
// step-3 consensus-FPR lookup.
type ResultStore interface {
	ResultSink
	Get(ctx context.Context, ruleID string) (Result, bool, error)
}

// MemoryResultStore is the in-memory/local-mode ResultStore.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]Result
}

// NewMemoryResultStore builds an empty result store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]Result)}
}

func (s *MemoryResultStore) PutCalibrationResult(_ context.Context, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.RuleID] = result
	return nil
}

func (s *MemoryResultStore) Get(_ context.Context, ruleID string) (Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[ruleID]
	return result, ok, nil
}

var _ ResultStore = (*MemoryResultStore)(nil)
