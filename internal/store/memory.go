package store

import (
	"context"
	"sync"
	"time"

	"github.com/railsignal/fleet-sentinel/internal/domain"
)

// MemoryHistoryStore is the in-process HistoryStore.
type MemoryHistoryStore struct {
	mu       sync.Mutex
	entries  map[string][]PositionSample
	capacity int
	maxAge   time.Duration
	clock    domain.Clock
}

// NewMemoryHistoryStore creates a history store bounded to capacity entries
// and maxAge per entity.
func NewMemoryHistoryStore(capacity int, maxAge time.Duration, clock domain.Clock) *MemoryHistoryStore {
	return &MemoryHistoryStore{
		entries:  make(map[string][]PositionSample),
		capacity: capacity,
		maxAge:   maxAge,
		clock:    clock,
	}
}

// Append records a sample, pruning by count and age atomically.
func (s *MemoryHistoryStore) Append(_ context.Context, entityID string, sample PositionSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.entries[entityID], sample)
	history = s.prune(history)
	s.entries[entityID] = history
	return nil
}

// Recent returns up to limit retained samples, newest last.
func (s *MemoryHistoryStore) Recent(_ context.Context, entityID string, limit int) ([]PositionSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.prune(s.entries[entityID])
	s.entries[entityID] = history

	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	out := make([]PositionSample, len(history))
	copy(out, history)
	return out, nil
}

func (s *MemoryHistoryStore) prune(history []PositionSample) []PositionSample {
	cutoff := s.clock.Now().Add(-s.maxAge)
	start := 0
	for start < len(history) && history[start].Recorded.Before(cutoff) {
		start++
	}
	history = history[start:]
	if len(history) > s.capacity {
		history = history[len(history)-s.capacity:]
	}
	return history
}

// MemoryRateCounter is the in-process RateCounter.
type MemoryRateCounter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	clock  domain.Clock
}

// NewMemoryRateCounter creates an in-memory sliding-window counter.
func NewMemoryRateCounter(clock domain.Clock) *MemoryRateCounter {
	return &MemoryRateCounter{
		events: make(map[string][]time.Time),
		clock:  clock,
	}
}

// Incr records one event and returns the in-window count.
func (c *MemoryRateCounter) Incr(_ context.Context, key string, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	cutoff := now.Add(-window)

	events := c.events[key]
	start := 0
	for start < len(events) && events[start].Before(cutoff) {
		start++
	}
	events = append(events[start:], now)
	c.events[key] = events

	return len(events), nil
}
