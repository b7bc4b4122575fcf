// Package threat runs an independent second pass over accepted reports.
// Its checks deliberately overlap the validator's at stricter tolerances,
// so a compromised or buggy validation stage does not leave the fleet
// blind. Analysis is dispatched off the ingestion path; per-entity history
// mutation is serialized with a keyed lock.
package threat

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/store"
)

// EventType identifies a class of security event
type EventType string

const (
	EventExcessiveSpeed     EventType = "excessive_speed"
	EventImpossibleMovement EventType = "impossible_movement"
	EventUpdateFlood        EventType = "update_flood"
	EventInvalidCoordinates EventType = "invalid_coordinates"
)

// SecurityEvent is one detected threat occurrence
type SecurityEvent struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	EntityID    string            `json:"entity_id"`
	Description string            `json:"description"`
	Severity    domain.Severity   `json:"severity"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LevelListener is notified when the aggregate threat level changes.
type LevelListener func(level domain.ThreatLevel)

// EventListener is notified for every recorded security event.
type EventListener func(event SecurityEvent)

// Monitor watches accepted reports for hostile patterns and maintains the
// fleet-wide threat level over a trailing window.
type Monitor struct {
	config  config.ThreatConfig
	logger  *zap.Logger
	clock   domain.Clock
	history store.HistoryStore
	rates   store.RateCounter

	mu             sync.RWMutex
	events         []SecurityEvent
	level          domain.ThreatLevel
	listeners      []LevelListener
	eventListeners []EventListener

	entityMu sync.Mutex
	entities map[string]*sync.Mutex

	wg sync.WaitGroup
}

// NewMonitor creates a threat monitor. The history store must be owned
// exclusively by this monitor; it is intentionally separate from, and
// smaller than, the validator's.
func NewMonitor(
	cfg config.ThreatConfig,
	logger *zap.Logger,
	clock domain.Clock,
	history store.HistoryStore,
	rates store.RateCounter,
) *Monitor {
	return &Monitor{
		config:   cfg,
		logger:   logger,
		clock:    clock,
		history:  history,
		rates:    rates,
		level:    domain.ThreatNone,
		entities: make(map[string]*sync.Mutex),
	}
}

// Subscribe registers a listener for threat-level changes.
func (m *Monitor) Subscribe(listener LevelListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// SubscribeEvents registers a listener for every recorded event.
func (m *Monitor) SubscribeEvents(listener EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventListeners = append(m.eventListeners, listener)
}

// Dispatch schedules analysis of an accepted report without blocking the
// caller. Analysis across entities is unordered; analysis for one entity
// is serialized.
func (m *Monitor) Dispatch(report domain.PositionReport) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		lock := m.entityLock(report.EntityID)
		lock.Lock()
		defer lock.Unlock()
		m.analyze(context.Background(), report)
	}()
}

// Wait blocks until all dispatched analyses finish. Used on shutdown and
// in tests.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Analyze runs the threat checks synchronously. Dispatch is the normal
// entry point; Analyze exists for callers that need the verdict inline.
func (m *Monitor) Analyze(ctx context.Context, report domain.PositionReport) {
	lock := m.entityLock(report.EntityID)
	lock.Lock()
	defer lock.Unlock()
	m.analyze(ctx, report)
}

func (m *Monitor) analyze(ctx context.Context, report domain.PositionReport) {
	now := m.clock.Now()

	if report.Speed > m.config.MaxSpeedKMH {
		m.record(SecurityEvent{
			Type:        EventExcessiveSpeed,
			EntityID:    report.EntityID,
			Description: "reported speed exceeds the fleet maximum",
			Severity:    domain.SeverityHigh,
			Metadata:    map[string]string{"speed_kmh": formatFloat(report.Speed)},
		}, now)
	}

	if !domain.ValidCoordinates(report.Latitude, report.Longitude) {
		m.record(SecurityEvent{
			Type:        EventInvalidCoordinates,
			EntityID:    report.EntityID,
			Description: "coordinates outside valid latitude/longitude ranges",
			Severity:    domain.SeverityHigh,
		}, now)
	} else {
		m.checkMovement(ctx, report, now)
	}

	count, err := m.rates.Incr(ctx, report.EntityID, time.Minute)
	if err != nil {
		m.logger.Warn("threat rate counter unavailable",
			zap.String("entity_id", report.EntityID), zap.Error(err))
	} else if count > m.config.FloodPerMinute {
		m.record(SecurityEvent{
			Type:        EventUpdateFlood,
			EntityID:    report.EntityID,
			Description: "entity update rate exceeds the flood threshold",
			Severity:    domain.SeverityMedium,
			Metadata:    map[string]string{"updates_per_minute": formatInt(count)},
		}, now)
	}

	sample := store.PositionSample{
		Latitude:  report.Latitude,
		Longitude: report.Longitude,
		Speed:     report.Speed,
		Timestamp: report.Timestamp,
		Recorded:  now,
	}
	if err := m.history.Append(ctx, report.EntityID, sample); err != nil {
		m.logger.Warn("failed to record threat history",
			zap.String("entity_id", report.EntityID), zap.Error(err))
	}
}

// checkMovement applies the jump check against the monitor's own history.
// Unlike the validator there is no 2x tolerance: a movement the reported
// speed cannot explain at all is treated as hostile.
func (m *Monitor) checkMovement(ctx context.Context, report domain.PositionReport, now time.Time) {
	history, err := m.history.Recent(ctx, report.EntityID, 0)
	if err != nil {
		m.logger.Warn("failed to load threat history",
			zap.String("entity_id", report.EntityID), zap.Error(err))
		return
	}
	if len(history) == 0 {
		return
	}

	last := history[len(history)-1]
	elapsed := report.Timestamp.Sub(last.Timestamp).Seconds()
	if elapsed <= 0 {
		return
	}

	distanceM := domain.HaversineKM(last.Latitude, last.Longitude, report.Latitude, report.Longitude) * 1000
	maxDistanceM := report.Speed / 3.6 * elapsed

	if distanceM > maxDistanceM {
		m.record(SecurityEvent{
			Type:        EventImpossibleMovement,
			EntityID:    report.EntityID,
			Description: "movement physically impossible at the reported speed",
			Severity:    domain.SeverityCritical,
			Metadata: map[string]string{
				"distance_m":     formatFloat(distanceM),
				"max_distance_m": formatFloat(maxDistanceM),
			},
		}, now)
	}
}

// record appends an event to the capped log and recomputes the level.
func (m *Monitor) record(event SecurityEvent, now time.Time) {
	event.ID = uuid.New().String()
	event.Timestamp = now

	m.mu.Lock()
	m.events = append(m.events, event)
	if len(m.events) > m.config.EventLogCap {
		m.events = m.events[len(m.events)-m.config.EventLogCap:]
	}
	previous := m.level
	m.level = m.computeLevel(now)
	changed := m.level != previous
	level := m.level
	listeners := make([]LevelListener, len(m.listeners))
	copy(listeners, m.listeners)
	eventListeners := make([]EventListener, len(m.eventListeners))
	copy(eventListeners, m.eventListeners)
	m.mu.Unlock()

	m.logger.Warn("security event recorded",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("entity_id", event.EntityID),
		zap.String("severity", string(event.Severity)))

	for _, listener := range eventListeners {
		listener(event)
	}

	if changed {
		m.logger.Warn("threat level changed",
			zap.String("previous", string(previous)),
			zap.String("current", string(level)))
		for _, listener := range listeners {
			listener(level)
		}
	}
}

// computeLevel derives the threat level from events inside the trailing
// window. Caller holds m.mu.
func (m *Monitor) computeLevel(now time.Time) domain.ThreatLevel {
	cutoff := now.Add(-m.config.Window)
	var total, high, medium int
	critical := false

	for _, event := range m.events {
		if event.Timestamp.Before(cutoff) {
			continue
		}
		total++
		switch event.Severity {
		case domain.SeverityCritical:
			critical = true
		case domain.SeverityHigh:
			high++
		case domain.SeverityMedium:
			medium++
		}
	}

	switch {
	case critical:
		return domain.ThreatCritical
	case high >= m.config.HighEventFloor:
		return domain.ThreatHigh
	case medium >= m.config.MediumEventFloor:
		return domain.ThreatMedium
	case total > 0:
		return domain.ThreatLow
	default:
		return domain.ThreatNone
	}
}

// Level returns the current threat level, recomputed against the trailing
// window so it decays as events age out.
func (m *Monitor) Level() domain.ThreatLevel {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = m.computeLevel(now)
	return m.level
}

// Events returns up to limit recent events, newest last. A limit <= 0
// returns the whole retained log.
func (m *Monitor) Events(limit int) []SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]SecurityEvent, len(events))
	copy(out, events)
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func formatInt(v int) string {
	return strconv.Itoa(v)
}

func (m *Monitor) entityLock(entityID string) *sync.Mutex {
	m.entityMu.Lock()
	defer m.entityMu.Unlock()
	lock, ok := m.entities[entityID]
	if !ok {
		lock = &sync.Mutex{}
		m.entities[entityID] = lock
	}
	return lock
}
