package threat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func threatConfig() config.ThreatConfig {
	return config.ThreatConfig{
		HistoryLimit:     10,
		HistoryMaxAge:    5 * time.Minute,
		EventLogCap:      1000,
		Window:           5 * time.Minute,
		MaxSpeedKMH:      300,
		FloodPerMinute:   100,
		HighEventFloor:   3,
		MediumEventFloor: 5,
	}
}

func newMonitorFixture(t *testing.T) (*Monitor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := threatConfig()
	history := store.NewMemoryHistoryStore(cfg.HistoryLimit, cfg.HistoryMaxAge, clock)
	rates := store.NewMemoryRateCounter(clock)
	return NewMonitor(cfg, zap.NewNop(), clock, history, rates), clock
}

func acceptedReport(clock *fakeClock, entityID string) domain.PositionReport {
	return domain.PositionReport{
		EntityID:  entityID,
		Latitude:  28.6139,
		Longitude: 77.2090,
		Speed:     82.5,
		Heading:   140,
		Timestamp: clock.Now(),
		SectionID: "SEC-NDLS-04",
		Source:    "gps",
		Status:    "running",
	}
}

func eventTypes(events []SecurityEvent) []EventType {
	types := make([]EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func TestMonitor_CleanReport(t *testing.T) {
	monitor, clock := newMonitorFixture(t)

	monitor.Analyze(context.Background(), acceptedReport(clock, "TRAIN-1"))

	assert.Equal(t, domain.ThreatNone, monitor.Level())
	assert.Empty(t, monitor.Events(0))
}

func TestMonitor_ExcessiveSpeed(t *testing.T) {
	monitor, clock := newMonitorFixture(t)

	report := acceptedReport(clock, "TRAIN-1")
	report.Speed = 412

	monitor.Analyze(context.Background(), report)

	events := monitor.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, EventExcessiveSpeed, events[0].Type)
	assert.Equal(t, domain.SeverityHigh, events[0].Severity)
	assert.Equal(t, "412.0", events[0].Metadata["speed_kmh"])
	assert.Equal(t, domain.ThreatLow, monitor.Level(), "one high event is below the aggregation floor")
}

func TestMonitor_InvalidCoordinates(t *testing.T) {
	monitor, clock := newMonitorFixture(t)

	report := acceptedReport(clock, "TRAIN-1")
	report.Latitude = 95

	monitor.Analyze(context.Background(), report)

	events := monitor.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, EventInvalidCoordinates, events[0].Type)
}

func TestMonitor_ImpossibleMovement(t *testing.T) {
	monitor, clock := newMonitorFixture(t)
	ctx := context.Background()

	first := acceptedReport(clock, "TRAIN-1")
	first.Latitude = 28.0
	first.Longitude = 77.0
	monitor.Analyze(ctx, first)
	require.Empty(t, monitor.Events(0))

	clock.Advance(time.Second)
	second := first
	second.Longitude = 77.5 // roughly 49km in one second
	second.Timestamp = clock.Now()

	monitor.Analyze(ctx, second)

	events := monitor.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, EventImpossibleMovement, events[0].Type)
	assert.Equal(t, domain.SeverityCritical, events[0].Severity)
	assert.Equal(t, domain.ThreatCritical, monitor.Level(), "a single critical event escalates immediately")
}

func TestMonitor_PlausibleMovementIsQuiet(t *testing.T) {
	monitor, clock := newMonitorFixture(t)
	ctx := context.Background()

	first := acceptedReport(clock, "TRAIN-1")
	monitor.Analyze(ctx, first)

	clock.Advance(30 * time.Second)
	second := first
	second.Latitude += 0.005 // ~550m in 30s at 82.5 km/h is within bounds
	second.Timestamp = clock.Now()

	monitor.Analyze(ctx, second)

	assert.Empty(t, monitor.Events(0))
}

func TestMonitor_UpdateFlood(t *testing.T) {
	monitor, clock := newMonitorFixture(t)
	ctx := context.Background()

	report := acceptedReport(clock, "TRAIN-1")
	for i := 0; i < 101; i++ {
		monitor.Analyze(ctx, report)
	}

	events := monitor.Events(0)
	require.Len(t, events, 1, "only the 101st update crosses the flood threshold")
	assert.Equal(t, EventUpdateFlood, events[0].Type)
	assert.Equal(t, domain.SeverityMedium, events[0].Severity)
	assert.Equal(t, "101", events[0].Metadata["updates_per_minute"])
}

func TestMonitor_HighEventAggregation(t *testing.T) {
	monitor, clock := newMonitorFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		report := acceptedReport(clock, fmt.Sprintf("TRAIN-%d", i))
		report.Speed = 350
		monitor.Analyze(ctx, report)

		if i < 2 {
			assert.Equal(t, domain.ThreatLow, monitor.Level())
		}
	}

	assert.Equal(t, domain.ThreatHigh, monitor.Level(), "three high events inside the window aggregate")
}

func TestMonitor_LevelDecay(t *testing.T) {
	monitor, clock := newMonitorFixture(t)

	report := acceptedReport(clock, "TRAIN-1")
	report.Speed = 350
	monitor.Analyze(context.Background(), report)
	require.Equal(t, domain.ThreatLow, monitor.Level())

	clock.Advance(6 * time.Minute)

	assert.Equal(t, domain.ThreatNone, monitor.Level(), "events outside the window no longer count")
}

func TestMonitor_LevelListener(t *testing.T) {
	monitor, clock := newMonitorFixture(t)

	var mu sync.Mutex
	var changes []domain.ThreatLevel
	monitor.Subscribe(func(level domain.ThreatLevel) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, level)
	})

	report := acceptedReport(clock, "TRAIN-1")
	report.Speed = 350
	ctx := context.Background()

	monitor.Analyze(ctx, report)
	monitor.Analyze(ctx, report) // same level, no second notification for the level

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ThreatLevel{domain.ThreatLow}, changes)
}

func TestMonitor_EventListener(t *testing.T) {
	monitor, clock := newMonitorFixture(t)

	var mu sync.Mutex
	var seen []EventType
	monitor.SubscribeEvents(func(event SecurityEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Type)
	})

	report := acceptedReport(clock, "TRAIN-1")
	report.Speed = 350
	ctx := context.Background()

	monitor.Analyze(ctx, report)
	monitor.Analyze(ctx, report)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventExcessiveSpeed, EventExcessiveSpeed}, seen,
		"event listeners fire for every event even when the level holds")
}

func TestMonitor_Dispatch(t *testing.T) {
	monitor, clock := newMonitorFixture(t)

	report := acceptedReport(clock, "TRAIN-1")
	report.Speed = 500
	monitor.Dispatch(report)
	monitor.Wait()

	events := monitor.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, EventExcessiveSpeed, events[0].Type)
}

func TestMonitor_EventsLimit(t *testing.T) {
	monitor, clock := newMonitorFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		report := acceptedReport(clock, fmt.Sprintf("TRAIN-%d", i))
		report.Speed = 350
		monitor.Analyze(ctx, report)
	}

	events := monitor.Events(2)
	require.Len(t, events, 2)
	assert.Equal(t, "TRAIN-3", events[0].EntityID)
	assert.Equal(t, "TRAIN-4", events[1].EntityID)
}

func TestMonitor_EventLogCap(t *testing.T) {
	monitor, clock := newMonitorFixture(t)
	cfg := threatConfig()
	ctx := context.Background()

	for i := 0; i < cfg.EventLogCap+50; i++ {
		report := acceptedReport(clock, fmt.Sprintf("TRAIN-%d", i))
		report.Speed = 350
		monitor.Analyze(ctx, report)
	}

	assert.Len(t, monitor.Events(0), cfg.EventLogCap)
	assert.Equal(t, eventTypes(monitor.Events(1)), []EventType{EventExcessiveSpeed})
}
