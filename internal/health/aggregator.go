// Package health fuses probe results, active performance alerts, and
// external analytics insights into one operator-facing health score and a
// prioritized recommendation list.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/performance"
	"github.com/railsignal/fleet-sentinel/internal/resilience"
)

// ProbeStatus is the outcome of one health probe
type ProbeStatus string

const (
	ProbePass ProbeStatus = "pass"
	ProbeWarn ProbeStatus = "warn"
	ProbeFail ProbeStatus = "fail"
)

// ProbeResult is the outcome of running one probe.
type ProbeResult struct {
	Name     string        `json:"name"`
	Status   ProbeStatus   `json:"status"`
	Critical bool          `json:"critical"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

// Probe is an external health check collaborator.
type Probe interface {
	Name() string
	// Critical marks probes whose failure alone means the system cannot
	// serve its purpose.
	Critical() bool
	Run(ctx context.Context) ProbeResult
}

// Insight is an optional record from an external analytics collaborator.
type Insight struct {
	Category    string                        `json:"category"`
	Severity    domain.Severity               `json:"severity"`
	Title       string                        `json:"title"`
	Description string                        `json:"description"`
	Action      string                        `json:"action,omitempty"`
}

// InsightSource supplies analytics insights.
type InsightSource interface {
	Insights(ctx context.Context) []Insight
}

// Recommendation is one prioritized operator action.
type Recommendation struct {
	Priority        domain.RecommendationPriority `json:"priority"`
	Category        string                        `json:"category"`
	Title           string                        `json:"title"`
	Description     string                        `json:"description"`
	Action          string                        `json:"action"`
	EstimatedImpact string                        `json:"estimated_impact"`
	Timestamp       time.Time                     `json:"timestamp"`
}

// Report is the aggregate health output.
type Report struct {
	Status          domain.AlertLevel `json:"status"`
	Score           int               `json:"score"`
	Probes          []ProbeResult     `json:"probes"`
	Recommendations []Recommendation  `json:"recommendations"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Aggregator composes probes, performance alerts, and insights on a fixed
// interval.
type Aggregator struct {
	config   config.HealthConfig
	logger   *zap.Logger
	clock    domain.Clock
	monitor  *performance.Monitor
	executor *resilience.Executor
	probes   []Probe
	insights InsightSource // may be nil

	mu        sync.RWMutex
	latest    Report
	listeners []func(Report)

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewAggregator creates a health aggregator. insights may be nil.
func NewAggregator(
	cfg config.HealthConfig,
	logger *zap.Logger,
	clock domain.Clock,
	monitor *performance.Monitor,
	executor *resilience.Executor,
	probes []Probe,
	insights InsightSource,
) *Aggregator {
	return &Aggregator{
		config:   cfg,
		logger:   logger,
		clock:    clock,
		monitor:  monitor,
		executor: executor,
		probes:   probes,
		insights: insights,
		latest: Report{
			Status: domain.AlertNormal,
			Score:  100,
		},
	}
}

// Subscribe registers a listener invoked after every completed cycle.
func (a *Aggregator) Subscribe(listener func(Report)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, listener)
}

// Start begins the periodic cycle. Idempotent.
func (a *Aggregator) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.stop = make(chan struct{})

	a.wg.Add(1)
	go a.loop(ctx, a.stop)
	a.logger.Info("health aggregator started",
		zap.Duration("interval", a.config.Interval))
}

// Stop halts the periodic cycle. Idempotent.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	close(a.stop)
	a.wg.Wait()
	a.logger.Info("health aggregator stopped")
}

func (a *Aggregator) loop(ctx context.Context, stop <-chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			a.RunCycle(ctx)
		}
	}
}

// RunCycle executes one aggregation cycle. Failures are contained to the
// tick.
func (a *Aggregator) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("health cycle panicked", zap.Any("panic", r))
		}
	}()

	report := a.Evaluate(ctx)

	a.mu.Lock()
	a.latest = report
	listeners := make([]func(Report), len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	for _, listener := range listeners {
		listener(report)
	}

	a.logger.Debug("health cycle completed",
		zap.String("status", string(report.Status)),
		zap.Int("score", report.Score),
		zap.Int("recommendations", len(report.Recommendations)))
}

// Evaluate composes a fresh report without storing it.
func (a *Aggregator) Evaluate(ctx context.Context) Report {
	now := a.clock.Now()

	results := a.runProbes(ctx)
	alerts := a.monitor.ActiveAlerts()
	metrics := a.monitor.LatestMetrics()

	var insights []Insight
	if a.insights != nil {
		insights = a.insights.Insights(ctx)
	}

	return Report{
		Status:          overallStatus(results, alerts),
		Score:           healthScore(results, alerts, metrics),
		Probes:          results,
		Recommendations: recommendations(results, alerts, insights, now),
		Timestamp:       now,
	}
}

// Latest returns the most recent report.
func (a *Aggregator) Latest() Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// runProbes executes every probe through the retry executor so a flaky
// probe gets a second chance before it drags the score down.
func (a *Aggregator) runProbes(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, 0, len(a.probes))
	for _, probe := range a.probes {
		var result ProbeResult
		err := a.executor.Execute(ctx, "health-probe/"+probe.Name(), resilience.CriticalPolicy(), func(ctx context.Context) error {
			result = probe.Run(ctx)
			if result.Status == ProbeFail {
				return resilience.WithKind(probeError{name: probe.Name(), message: result.Message}, resilience.KindTransient)
			}
			return nil
		})
		if err != nil && result.Name == "" {
			result = ProbeResult{
				Name:     probe.Name(),
				Status:   ProbeFail,
				Critical: probe.Critical(),
				Message:  err.Error(),
			}
		}
		result.Critical = probe.Critical()
		results = append(results, result)
	}
	return results
}

type probeError struct {
	name    string
	message string
}

func (e probeError) Error() string {
	return "probe " + e.name + " failed: " + e.message
}

// overallStatus applies the precedence rules: first match wins.
func overallStatus(probes []ProbeResult, alerts []performance.Alert) domain.AlertLevel {
	var anyFail, criticalFail, anyWarn bool
	for _, p := range probes {
		switch p.Status {
		case ProbeFail:
			anyFail = true
			if p.Critical {
				criticalFail = true
			}
		case ProbeWarn:
			anyWarn = true
		}
	}

	var alertLevel domain.AlertLevel = domain.AlertNormal
	for _, alert := range alerts {
		if alert.Level.Rank() > alertLevel.Rank() {
			alertLevel = alert.Level
		}
	}

	switch {
	case alertLevel == domain.AlertEmergency || criticalFail:
		return domain.AlertEmergency
	case alertLevel == domain.AlertCritical || anyFail:
		return domain.AlertCritical
	case alertLevel == domain.AlertWarning || anyWarn:
		return domain.AlertWarning
	default:
		return domain.AlertNormal
	}
}

// healthScore starts at 100, subtracts fixed penalties, and clamps to
// [0, 100].
func healthScore(probes []ProbeResult, alerts []performance.Alert, metrics performance.Metrics) int {
	score := 100

	for _, p := range probes {
		switch {
		case p.Status == ProbeFail && p.Critical:
			score -= 20
		case p.Status == ProbeFail:
			score -= 10
		case p.Status == ProbeWarn:
			score -= 5
		}
	}

	for _, alert := range alerts {
		switch alert.Level {
		case domain.AlertEmergency:
			score -= 25
		case domain.AlertCritical:
			score -= 15
		case domain.AlertWarning:
			score -= 5
		}
	}

	if metrics.ErrorRate > 0.05 {
		score -= 15
	}
	if metrics.DataQuality > 0 && metrics.DataQuality < 90 {
		score -= 20
	}
	if metrics.PositionAccuracy > 0 && metrics.PositionAccuracy < 95 {
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// recommendations builds one entry per failing probe, active alert, and
// insight, sorted by priority.
func recommendations(probes []ProbeResult, alerts []performance.Alert, insights []Insight, now time.Time) []Recommendation {
	var recs []Recommendation

	for _, p := range probes {
		if p.Status == ProbePass {
			continue
		}
		priority := domain.PriorityMedium
		impact := "degraded visibility into one subsystem"
		if p.Status == ProbeFail {
			priority = domain.PriorityHigh
			impact = "one subsystem is unavailable"
			if p.Critical {
				priority = domain.PriorityCritical
				impact = "core functionality is unavailable"
			}
		}
		recs = append(recs, Recommendation{
			Priority:        priority,
			Category:        "probe",
			Title:           "Health probe " + p.Name + " is " + string(p.Status) + "ing",
			Description:     p.Message,
			Action:          probeAction(p.Name),
			EstimatedImpact: impact,
			Timestamp:       now,
		})
	}

	for _, alert := range alerts {
		recs = append(recs, Recommendation{
			Priority:        alertPriority(alert.Level),
			Category:        "performance",
			Title:           alert.Message,
			Description:     alert.Details,
			Action:          alert.RecommendedAction,
			EstimatedImpact: string(alert.Metric) + " outside its operating envelope",
			Timestamp:       now,
		})
	}

	for _, insight := range insights {
		recs = append(recs, Recommendation{
			Priority:        insightPriority(insight.Severity),
			Category:        insight.Category,
			Title:           insight.Title,
			Description:     insight.Description,
			Action:          insight.Action,
			EstimatedImpact: "reported by analytics",
			Timestamp:       now,
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority.Rank() > recs[j].Priority.Rank()
	})
	return recs
}

func alertPriority(level domain.AlertLevel) domain.RecommendationPriority {
	switch level {
	case domain.AlertEmergency:
		return domain.PriorityCritical
	case domain.AlertCritical:
		return domain.PriorityHigh
	case domain.AlertWarning:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func insightPriority(severity domain.Severity) domain.RecommendationPriority {
	switch severity {
	case domain.SeverityCritical:
		return domain.PriorityCritical
	case domain.SeverityHigh:
		return domain.PriorityHigh
	case domain.SeverityMedium:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

// probeAction supplies fixed remediation text keyed by probe name.
func probeAction(name string) string {
	switch name {
	case "redis":
		return "Check Redis connectivity and memory pressure"
	case "kafka":
		return "Check broker availability and consumer group lag"
	case "ingest":
		return "Verify the ingestion pipeline is consuming and validating reports"
	default:
		return "Inspect the " + name + " subsystem logs"
	}
}
