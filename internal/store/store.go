// Package store provides the backing stores for per-entity position
// history and sliding-window rate counters. The in-memory implementations
// are the default; they are correct only for a single service instance.
// The Redis implementations exist for multi-instance deployments where the
// rate limiter and jump baselines must be shared.
package store

import (
	"context"
	"time"
)

// PositionSample is one retained history entry for an entity.
type PositionSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"` // as reported
	Recorded  time.Time `json:"recorded"`  // as stored
}

// HistoryStore keeps a bounded, age-pruned position history per entity.
// Each subsystem owns its own store instance; the validator and the threat
// monitor intentionally keep separate, differently sized windows.
type HistoryStore interface {
	// Append records a sample for the entity, evicting entries beyond the
	// store's count cap or older than its max age.
	Append(ctx context.Context, entityID string, sample PositionSample) error

	// Recent returns up to limit samples for the entity, newest last.
	// A limit <= 0 returns the full retained window.
	Recent(ctx context.Context, entityID string, limit int) ([]PositionSample, error)
}

// RateCounter counts events per key within a sliding window.
type RateCounter interface {
	// Incr records one event for key and returns the number of events,
	// including this one, within the trailing window.
	Incr(ctx context.Context, key string, window time.Duration) (int, error)
}
