// Package performance runs the periodic metrics cycle: sample, classify
// against the current mode's thresholds, de-duplicate alerts under a
// cooldown, age out stale alerts, and track short-term trends per metric.
package performance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/thresholds"
)

// Metrics is one sample from the metrics collaborator.
type Metrics struct {
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	MaxLatencyMS     float64 `json:"max_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
	MemoryBytes      float64 `json:"memory_bytes"`
	Throughput       float64 `json:"throughput"`
	ConnectionUsage  float64 `json:"connection_usage"`
	DataQuality      float64 `json:"data_quality"`
	PositionAccuracy float64 `json:"position_accuracy"`
}

// Source supplies current system metrics.
type Source interface {
	Current(ctx context.Context) (Metrics, error)
}

// Alert is one threshold violation. Identity for de-duplication is
// (Level, Metric).
type Alert struct {
	ID                string             `json:"id"`
	Level             domain.AlertLevel  `json:"level"`
	Message           string             `json:"message"`
	Details           string             `json:"details,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	Metric            domain.MetricKind  `json:"metric"`
	CurrentValue      float64            `json:"current_value"`
	Threshold         float64            `json:"threshold"`
	RecommendedAction string             `json:"recommended_action,omitempty"`
}

// TrendDirection summarizes where a metric is heading
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDegrading TrendDirection = "degrading"
	TrendStable    TrendDirection = "stable"
)

// Trend is the half-over-half comparison for one metric inside the trend
// window.
type Trend struct {
	Metric        domain.MetricKind `json:"metric"`
	Direction     TrendDirection    `json:"direction"`
	ChangePercent float64           `json:"change_percent"`
	Significant   bool              `json:"significant"`
	Samples       int               `json:"samples"`
}

// Snapshot is the dashboard payload.
type Snapshot struct {
	Status     domain.AlertLevel            `json:"status"`
	Mode       domain.OperationalMode       `json:"mode"`
	Alerts     []Alert                      `json:"alerts"`
	Trends     map[domain.MetricKind]Trend  `json:"trends"`
	Uptime     time.Duration                `json:"uptime"`
	KeyMetrics Metrics                      `json:"key_metrics"`
	Timestamp  time.Time                    `json:"timestamp"`
}

// AlertListener is notified for every emitted (non-suppressed) alert.
type AlertListener func(alert Alert)

type cooldownKey struct {
	level  domain.AlertLevel
	metric domain.MetricKind
}

type samplePoint struct {
	value float64
	at    time.Time
}

// Monitor is the periodic performance monitor.
type Monitor struct {
	config   config.MonitorConfig
	logger   *zap.Logger
	clock    domain.Clock
	registry *thresholds.Registry
	source   Source

	mu        sync.Mutex
	history   map[domain.MetricKind][]samplePoint
	cooldowns map[cooldownKey]time.Time
	active    []Alert
	latest    Metrics
	listeners []AlertListener
	started   time.Time

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a performance monitor.
func NewMonitor(
	cfg config.MonitorConfig,
	logger *zap.Logger,
	clock domain.Clock,
	registry *thresholds.Registry,
	source Source,
) *Monitor {
	return &Monitor{
		config:    cfg,
		logger:    logger,
		clock:     clock,
		registry:  registry,
		source:    source,
		history:   make(map[domain.MetricKind][]samplePoint),
		cooldowns: make(map[cooldownKey]time.Time),
	}
}

// Subscribe registers a listener for emitted alerts.
func (m *Monitor) Subscribe(listener AlertListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Start begins the periodic cycle. Calling Start on a running monitor is
// a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.started = m.clock.Now()

	m.wg.Add(1)
	go m.loop(ctx, m.stop)
	m.logger.Info("performance monitor started",
		zap.Duration("interval", m.config.Interval))
}

// Stop halts the periodic cycle. Idempotent; the monitor can be started
// again afterwards.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
	m.wg.Wait()
	m.logger.Info("performance monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle executes one monitoring cycle. A failure inside the cycle is
// logged and must never unwind the loop; the next tick still runs.
func (m *Monitor) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("performance cycle panicked", zap.Any("panic", r))
		}
	}()

	metrics, err := m.source.Current(ctx)
	if err != nil {
		m.logger.Warn("metrics source unavailable, skipping cycle", zap.Error(err))
		return
	}

	now := m.clock.Now()
	mode := m.registry.Mode()

	m.mu.Lock()
	m.latest = metrics
	for kind, value := range metricValues(metrics) {
		m.history[kind] = append(m.history[kind], samplePoint{value: value, at: now})
		m.history[kind] = trimHistory(m.history[kind], now.Add(-m.config.HistoryRetention))
	}
	m.mu.Unlock()

	for kind, value := range metricValues(metrics) {
		if skipUnknown(kind, value) {
			continue
		}
		level := m.registry.ClassifyFor(mode, kind, value)
		if level == domain.AlertNormal {
			continue
		}
		m.emit(kind, value, level, mode, now)
	}

	m.pruneAlerts(now)
}

// emit creates an alert unless an identical (level, metric) alert fired
// within the cooldown window.
func (m *Monitor) emit(kind domain.MetricKind, value float64, level domain.AlertLevel, mode domain.OperationalMode, now time.Time) {
	key := cooldownKey{level: level, metric: kind}

	m.mu.Lock()
	if last, ok := m.cooldowns[key]; ok && now.Sub(last) < m.config.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.cooldowns[key] = now

	t := m.registry.Resolve(mode, kind)
	alert := Alert{
		ID:                uuid.New().String(),
		Level:             level,
		Message:           alertMessage(kind, level),
		Timestamp:         now,
		Metric:            kind,
		CurrentValue:      value,
		Threshold:         thresholdFor(t, level),
		RecommendedAction: thresholds.RecommendedAction(level, kind),
	}
	m.active = append(m.active, alert)
	listeners := make([]AlertListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Warn("performance alert",
		zap.String("metric", string(kind)),
		zap.String("level", string(level)),
		zap.Float64("value", value),
		zap.Float64("threshold", alert.Threshold))

	for _, listener := range listeners {
		listener(alert)
	}
}

// pruneAlerts drops aged alerts and keeps the list sorted by severity
// then recency.
func (m *Monitor) pruneAlerts(now time.Time) {
	cutoff := now.Add(-m.config.AlertRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.active[:0]
	for _, alert := range m.active {
		if !alert.Timestamp.Before(cutoff) {
			kept = append(kept, alert)
		}
	}
	m.active = kept

	sort.SliceStable(m.active, func(i, j int) bool {
		if m.active[i].Level.Rank() != m.active[j].Level.Rank() {
			return m.active[i].Level.Rank() > m.active[j].Level.Rank()
		}
		return m.active[i].Timestamp.After(m.active[j].Timestamp)
	})
}

// ActiveAlerts returns the current alert list, most severe first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.pruneAlerts(m.clock.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.active))
	copy(out, m.active)
	return out
}

// Status returns the level of the worst active alert.
func (m *Monitor) Status() domain.AlertLevel {
	alerts := m.ActiveAlerts()
	status := domain.AlertNormal
	for _, alert := range alerts {
		if alert.Level.Rank() > status.Rank() {
			status = alert.Level
		}
	}
	return status
}

// Trends computes the half-over-half trend per metric inside the trend
// window. Direction requires more than a 5% move; a move beyond 10% is
// significant.
func (m *Monitor) Trends() map[domain.MetricKind]Trend {
	now := m.clock.Now()
	cutoff := now.Add(-m.config.TrendWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	trends := make(map[domain.MetricKind]Trend, len(m.history))
	for kind, points := range m.history {
		var window []samplePoint
		for _, p := range points {
			if !p.at.Before(cutoff) {
				window = append(window, p)
			}
		}

		trend := Trend{Metric: kind, Direction: TrendStable, Samples: len(window)}
		if len(window) >= 4 {
			half := len(window) / 2
			first := average(window[:half])
			second := average(window[half:])
			if first != 0 {
				change := (second - first) / first * 100
				trend.ChangePercent = change
				switch {
				case change > 5:
					trend.Direction = TrendDegrading
				case change < -5:
					trend.Direction = TrendImproving
				}
				if change > 10 || change < -10 {
					trend.Significant = true
				}
				// For lower-is-worse metrics a rise is an improvement.
				if !thresholds.HigherIsWorse(kind) {
					switch trend.Direction {
					case TrendDegrading:
						trend.Direction = TrendImproving
					case TrendImproving:
						trend.Direction = TrendDegrading
					}
				}
			}
		}
		trends[kind] = trend
	}
	return trends
}

// Snapshot assembles the dashboard payload.
func (m *Monitor) Snapshot() Snapshot {
	now := m.clock.Now()
	alerts := m.ActiveAlerts()
	trends := m.Trends()

	m.mu.Lock()
	latest := m.latest
	started := m.started
	m.mu.Unlock()

	uptime := time.Duration(0)
	if !started.IsZero() {
		uptime = now.Sub(started)
	}

	status := domain.AlertNormal
	for _, alert := range alerts {
		if alert.Level.Rank() > status.Rank() {
			status = alert.Level
		}
	}

	return Snapshot{
		Status:     status,
		Mode:       m.registry.Mode(),
		Alerts:     alerts,
		Trends:     trends,
		Uptime:     uptime,
		KeyMetrics: latest,
		Timestamp:  now,
	}
}

// LatestMetrics returns the most recent sample.
func (m *Monitor) LatestMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

func metricValues(metrics Metrics) map[domain.MetricKind]float64 {
	return map[domain.MetricKind]float64{
		domain.MetricLatency:          metrics.AvgLatencyMS,
		domain.MetricErrorRate:        metrics.ErrorRate,
		domain.MetricMemory:           metrics.MemoryBytes,
		domain.MetricConnectionUsage:  metrics.ConnectionUsage,
		domain.MetricThroughput:       metrics.Throughput,
		domain.MetricDataQuality:      metrics.DataQuality,
		domain.MetricPositionAccuracy: metrics.PositionAccuracy,
	}
}

// skipUnknown filters lower-is-worse metrics the collaborator did not
// supply; a zero reading there means "no data", not "perfectly bad".
func skipUnknown(kind domain.MetricKind, value float64) bool {
	switch kind {
	case domain.MetricDataQuality, domain.MetricPositionAccuracy:
		return value <= 0
	}
	return false
}

func trimHistory(points []samplePoint, cutoff time.Time) []samplePoint {
	start := 0
	for start < len(points) && points[start].at.Before(cutoff) {
		start++
	}
	return points[start:]
}

func average(points []samplePoint) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += p.value
	}
	return sum / float64(len(points))
}

func thresholdFor(t thresholds.Thresholds, level domain.AlertLevel) float64 {
	switch level {
	case domain.AlertEmergency:
		return t.Emergency
	case domain.AlertCritical:
		return t.Critical
	default:
		return t.Warning
	}
}

func alertMessage(kind domain.MetricKind, level domain.AlertLevel) string {
	return string(kind) + " crossed the " + string(level) + " threshold"
}
