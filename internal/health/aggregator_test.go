package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/performance"
	"github.com/railsignal/fleet-sentinel/internal/resilience"
	"github.com/railsignal/fleet-sentinel/internal/thresholds"
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

type stubMetricsSource struct {
	mu      sync.Mutex
	metrics performance.Metrics
}

func (s *stubMetricsSource) Current(_ context.Context) (performance.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics, nil
}

func (s *stubMetricsSource) set(metrics performance.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = metrics
}

type stubInsights struct {
	insights []Insight
}

func (s *stubInsights) Insights(_ context.Context) []Insight { return s.insights }

func goodMetrics() performance.Metrics {
	return performance.Metrics{
		AvgLatencyMS:     120,
		ErrorRate:        0.01,
		MemoryBytes:      100 << 20,
		Throughput:       50,
		ConnectionUsage:  20,
		DataQuality:      99,
		PositionAccuracy: 99,
	}
}

type healthFixture struct {
	aggregator *Aggregator
	monitor    *performance.Monitor
	source     *stubMetricsSource
	clock      *fakeClock
}

func newHealthFixture(t *testing.T, probes []Probe, insights InsightSource) *healthFixture {
	t.Helper()
	clock := newFakeClock()
	source := &stubMetricsSource{metrics: goodMetrics()}
	registry := thresholds.NewRegistry(domain.ModeNormal)
	monitor := performance.NewMonitor(config.MonitorConfig{
		Interval:         30 * time.Second,
		HistoryRetention: time.Hour,
		AlertCooldown:    2 * time.Minute,
		AlertRetention:   10 * time.Minute,
		TrendWindow:      5 * time.Minute,
	}, zap.NewNop(), clock, registry, source)

	executor := resilience.NewExecutor(zap.NewNop(), resilience.WithSleep(
		func(context.Context, time.Duration) error { return nil },
	))

	aggregator := NewAggregator(config.HealthConfig{Interval: 30 * time.Second},
		zap.NewNop(), clock, monitor, executor, probes, insights)

	return &healthFixture{aggregator: aggregator, monitor: monitor, source: source, clock: clock}
}

func staticProbe(name string, critical bool, status ProbeStatus, message string) Probe {
	return NewFuncProbe(name, critical, newFakeClock(), func(context.Context) (ProbeStatus, string) {
		return status, message
	})
}

func TestAggregator_AllHealthy(t *testing.T) {
	f := newHealthFixture(t, []Probe{
		staticProbe("redis", true, ProbePass, ""),
		staticProbe("ingest", false, ProbePass, ""),
	}, nil)
	f.monitor.RunCycle(context.Background())

	report := f.aggregator.Evaluate(context.Background())

	assert.Equal(t, domain.AlertNormal, report.Status)
	assert.Equal(t, 100, report.Score)
	assert.Len(t, report.Probes, 2)
	assert.Empty(t, report.Recommendations)
}

func TestAggregator_ProbeOutcomes(t *testing.T) {
	t.Run("Critical Failure Is Emergency", func(t *testing.T) {
		f := newHealthFixture(t, []Probe{
			staticProbe("redis", true, ProbeFail, "connection refused"),
		}, nil)

		report := f.aggregator.Evaluate(context.Background())

		assert.Equal(t, domain.AlertEmergency, report.Status)
		assert.Equal(t, 80, report.Score)
		require.Len(t, report.Recommendations, 1)
		assert.Equal(t, domain.PriorityCritical, report.Recommendations[0].Priority)
		assert.Contains(t, report.Recommendations[0].Action, "Redis")
	})

	t.Run("Non-Critical Failure Is Critical", func(t *testing.T) {
		f := newHealthFixture(t, []Probe{
			staticProbe("kafka", false, ProbeFail, "lag too high"),
		}, nil)

		report := f.aggregator.Evaluate(context.Background())

		assert.Equal(t, domain.AlertCritical, report.Status)
		assert.Equal(t, 90, report.Score)
	})

	t.Run("Warning Probe Is Warning", func(t *testing.T) {
		f := newHealthFixture(t, []Probe{
			staticProbe("ingest", false, ProbeWarn, "no reports"),
		}, nil)

		report := f.aggregator.Evaluate(context.Background())

		assert.Equal(t, domain.AlertWarning, report.Status)
		assert.Equal(t, 95, report.Score)
	})
}

func TestAggregator_ScoreClampsAtZero(t *testing.T) {
	probes := make([]Probe, 6)
	for i := range probes {
		probes[i] = staticProbe("redis", true, ProbeFail, "down")
	}
	f := newHealthFixture(t, probes, nil)

	report := f.aggregator.Evaluate(context.Background())

	assert.Equal(t, 0, report.Score)
	assert.Equal(t, domain.AlertEmergency, report.Status)
}

func TestAggregator_AlertAndMetricPenalties(t *testing.T) {
	f := newHealthFixture(t, nil, nil)

	degraded := goodMetrics()
	degraded.ErrorRate = 0.3 // emergency band, and over the score penalty line
	f.source.set(degraded)
	f.monitor.RunCycle(context.Background())

	report := f.aggregator.Evaluate(context.Background())

	assert.Equal(t, domain.AlertEmergency, report.Status)
	assert.Equal(t, 60, report.Score, "25 for the emergency alert plus 15 for the error rate")
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, domain.PriorityCritical, report.Recommendations[0].Priority)
	assert.Equal(t, "performance", report.Recommendations[0].Category)
}

func TestAggregator_FlakyProbeGetsRetried(t *testing.T) {
	attempts := 0
	flaky := NewFuncProbe("redis", true, newFakeClock(), func(context.Context) (ProbeStatus, string) {
		attempts++
		if attempts == 1 {
			return ProbeFail, "transient hiccup"
		}
		return ProbePass, ""
	})
	f := newHealthFixture(t, []Probe{flaky}, nil)

	report := f.aggregator.Evaluate(context.Background())

	assert.Equal(t, 2, attempts)
	assert.Equal(t, domain.AlertNormal, report.Status)
	assert.Equal(t, 100, report.Score)
}

func TestAggregator_PersistentProbeFailureExhaustsRetries(t *testing.T) {
	attempts := 0
	down := NewFuncProbe("redis", true, newFakeClock(), func(context.Context) (ProbeStatus, string) {
		attempts++
		return ProbeFail, "still down"
	})
	f := newHealthFixture(t, []Probe{down}, nil)

	report := f.aggregator.Evaluate(context.Background())

	assert.Equal(t, 5, attempts)
	require.Len(t, report.Probes, 1)
	assert.Equal(t, ProbeFail, report.Probes[0].Status)
	assert.True(t, report.Probes[0].Critical)
}

func TestAggregator_RecommendationOrdering(t *testing.T) {
	f := newHealthFixture(t, []Probe{
		staticProbe("ingest", false, ProbeWarn, "quiet feed"),
		staticProbe("redis", true, ProbeFail, "down"),
	}, &stubInsights{insights: []Insight{
		{Category: "capacity", Severity: domain.SeverityLow, Title: "Section load trending up"},
	}})

	report := f.aggregator.Evaluate(context.Background())

	require.Len(t, report.Recommendations, 3)
	assert.Equal(t, domain.PriorityCritical, report.Recommendations[0].Priority)
	assert.Equal(t, domain.PriorityMedium, report.Recommendations[1].Priority)
	assert.Equal(t, domain.PriorityLow, report.Recommendations[2].Priority)
	assert.Equal(t, "capacity", report.Recommendations[2].Category)
}

func TestAggregator_RunCycleNotifiesListeners(t *testing.T) {
	f := newHealthFixture(t, []Probe{
		staticProbe("ingest", false, ProbePass, ""),
	}, nil)

	var mu sync.Mutex
	var received []Report
	f.aggregator.Subscribe(func(report Report) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, report)
	})

	f.aggregator.RunCycle(context.Background())

	mu.Lock()
	require.Len(t, received, 1)
	mu.Unlock()

	latest := f.aggregator.Latest()
	assert.Equal(t, domain.AlertNormal, latest.Status)
	assert.Equal(t, f.clock.Now(), latest.Timestamp)
}

func TestAggregator_LatestBeforeFirstCycle(t *testing.T) {
	f := newHealthFixture(t, nil, nil)

	latest := f.aggregator.Latest()

	assert.Equal(t, domain.AlertNormal, latest.Status)
	assert.Equal(t, 100, latest.Score)
}

func TestLagProbe(t *testing.T) {
	lag := int64(0)
	probe := NewLagProbe(func() int64 { return lag }, 1000, 10000, newFakeClock())

	assert.Equal(t, ProbePass, probe.Run(context.Background()).Status)

	lag = 1500
	result := probe.Run(context.Background())
	assert.Equal(t, ProbeWarn, result.Status)
	assert.Contains(t, result.Message, "1500")

	lag = 20000
	assert.Equal(t, ProbeFail, probe.Run(context.Background()).Status)
	assert.False(t, probe.Critical())
}

func TestIngestProbe(t *testing.T) {
	throughput := 0.0
	probe := NewIngestProbe(func() float64 { return throughput }, newFakeClock())

	assert.Equal(t, ProbeWarn, probe.Run(context.Background()).Status)

	throughput = 12.5
	assert.Equal(t, ProbePass, probe.Run(context.Background()).Status)
}
