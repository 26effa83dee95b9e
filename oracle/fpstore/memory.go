package fpstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
	"github.com/R3E-Network/oracle-trust-engine/infrastructure/state"
)

// MemoryFPEventStore persists events through an
// infrastructure/state.PersistenceBackend, keyed
// "events/<ruleId>/<eventId>", with an in-process
// secondary index on findingId for MarkFalsePositive lookups and lazy
// TTL eviction on every read.
type MemoryFPEventStore struct {
	mu      sync.RWMutex
	backend state.PersistenceBackend
	// findingIndex maps findingId -> "ruleId/eventId" for O(1) lookup.
	findingIndex map[string]string
	now          func() time.Time
}

// NewMemoryFPEventStore builds a store over a fresh in-memory backend.
func NewMemoryFPEventStore() *MemoryFPEventStore {
	return &MemoryFPEventStore{
		backend:      state.NewMemoryBackend(0),
		findingIndex: make(map[string]string),
		now:          time.Now,
	}
}

// NewFPEventStoreWithBackend builds a store over an existing backend
// (e.g. state.FileBackend for a `local` run that should survive process
// restarts), rebuilding the findingId index from whatever events the
// backend already holds.
func NewFPEventStoreWithBackend(ctx context.Context, backend state.PersistenceBackend) (*MemoryFPEventStore, error) {
	s := &MemoryFPEventStore{
		backend:      backend,
		findingIndex: make(map[string]string),
		now:          time.Now,
	}

	keys, err := backend.List(ctx, "events/")
	if err != nil {
		return nil, oerrors.StoreFailure("fpstore.memory", err)
	}
	for _, key := range keys {
		raw, err := backend.Load(ctx, key)
		if err != nil {
			continue
		}
		var event FPEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		if event.FindingID != "" {
			s.findingIndex[event.FindingID] = key
		}
	}
	return s, nil
}

func eventKey(ruleID, eventID string) string {
	return "events/" + ruleID + "/" + eventID
}

func (s *MemoryFPEventStore) RecordEvent(ctx context.Context, event FPEvent) error {
	if event.ExpiresAt.IsZero() {
		event.ExpiresAt = event.Timestamp.Add(DefaultEventTTL)
	}
	key := eventKey(event.RuleID, event.EventID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.backend.Load(ctx, key); err == nil {
		return oerrors.Duplicate(event.RuleID, event.FindingID)
	} else if err != state.ErrNotFound {
		return oerrors.StoreFailure("fpstore.memory", err)
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return oerrors.StoreFailure("fpstore.memory", err)
	}
	if err := s.backend.Save(ctx, key, raw); err != nil {
		return oerrors.StoreFailure("fpstore.memory", err)
	}
	if event.FindingID != "" {
		s.findingIndex[event.FindingID] = key
	}
	return nil
}

func (s *MemoryFPEventStore) MarkFalsePositive(ctx context.Context, findingID, reviewer, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.findingIndex[findingID]
	if !ok {
		return oerrors.NotFound("fp_event", findingID)
	}

	raw, err := s.backend.Load(ctx, key)
	if err != nil {
		if err == state.ErrNotFound {
			return oerrors.NotFound("fp_event", findingID)
		}
		return oerrors.StoreFailure("fpstore.memory", err)
	}

	var event FPEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return oerrors.StoreFailure("fpstore.memory", err)
	}

	reviewedAt := s.now()
	event.IsFalsePositive = true
	event.Reviewer = reviewer
	event.ReviewedAt = &reviewedAt
	event.SuppressionTicket = ticket

	updated, err := json.Marshal(event)
	if err != nil {
		return oerrors.StoreFailure("fpstore.memory", err)
	}
	if err := s.backend.Save(ctx, key, updated); err != nil {
		return oerrors.StoreFailure("fpstore.memory", err)
	}
	return nil
}

// loadRuleEvents lists and decodes every non-expired event recorded for
// ruleID. Caller must hold at least s.mu.RLock.
func (s *MemoryFPEventStore) loadRuleEvents(ctx context.Context, ruleID string) ([]FPEvent, error) {
	prefix := "events/" + ruleID + "/"
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, oerrors.StoreFailure("fpstore.memory", err)
	}

	now := s.now()
	events := make([]FPEvent, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		raw, err := s.backend.Load(ctx, key)
		if err != nil {
			continue
		}
		var event FPEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		if !event.ExpiresAt.IsZero() && now.After(event.ExpiresAt) {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *MemoryFPEventStore) WindowByCount(ctx context.Context, ruleID string, n int) (FPWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, err := s.loadRuleEvents(ctx, ruleID)
	if err != nil {
		return FPWindow{}, err
	}
	// Sort newest-first once, then cap to n before computing statistics
	// so the reported window and its statistics agree with each other.
	full := computeWindow(ruleID, events)
	if len(full.Events) > n {
		full.Events = full.Events[:n]
	}
	return computeWindow(ruleID, full.Events), nil
}

func (s *MemoryFPEventStore) WindowBySince(ctx context.Context, ruleID string, since time.Time) (FPWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, err := s.loadRuleEvents(ctx, ruleID)
	if err != nil {
		return FPWindow{}, err
	}
	filtered := events[:0:0]
	for _, e := range events {
		if !e.Timestamp.Before(since) {
			filtered = append(filtered, e)
		}
	}
	return computeWindow(ruleID, filtered), nil
}
