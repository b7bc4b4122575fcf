package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/performance"
)

// sampleWindow is the trailing window over which the tracker derives
// latency, error rate, throughput, and quality figures.
const sampleWindow = time.Minute

type ingestSample struct {
	at         time.Time
	duration   time.Duration
	failed     bool
	clean      bool // no validation issues at all
	positionOK bool // no position-class anomalies
}

// Tracker derives the performance monitor's metrics from the ingest path
// itself: every processed report contributes latency, error, quality, and
// accuracy observations. It implements performance.Source.
type Tracker struct {
	clock domain.Clock

	mu      sync.Mutex
	samples []ingestSample

	connUsage func() float64 // optional, percent
}

// NewTracker creates a tracker. connUsage may be nil when no connection
// pool is monitored.
func NewTracker(clock domain.Clock, connUsage func() float64) *Tracker {
	return &Tracker{clock: clock, connUsage: connUsage}
}

// ObserveIngest records one processed report.
func (t *Tracker) ObserveIngest(duration time.Duration, failed, clean, positionOK bool) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, ingestSample{
		at:         now,
		duration:   duration,
		failed:     failed,
		clean:      clean,
		positionOK: positionOK,
	})
	t.trim(now)
}

func (t *Tracker) trim(now time.Time) {
	cutoff := now.Add(-sampleWindow)
	start := 0
	for start < len(t.samples) && t.samples[start].at.Before(cutoff) {
		start++
	}
	t.samples = t.samples[start:]
}

// Current computes the metrics snapshot over the trailing window. With no
// traffic it returns zero values rather than an error; absent quality
// figures are reported as zero, which the monitor treats as unknown.
func (t *Tracker) Current(_ context.Context) (performance.Metrics, error) {
	now := t.clock.Now()

	t.mu.Lock()
	t.trim(now)
	samples := make([]ingestSample, len(t.samples))
	copy(samples, t.samples)
	t.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := performance.Metrics{
		MemoryBytes: float64(memStats.Alloc),
	}
	if t.connUsage != nil {
		metrics.ConnectionUsage = t.connUsage()
	}

	if len(samples) == 0 {
		return metrics, nil
	}

	var totalLatency, maxLatency time.Duration
	var failed, clean, positionOK int
	for _, s := range samples {
		totalLatency += s.duration
		if s.duration > maxLatency {
			maxLatency = s.duration
		}
		if s.failed {
			failed++
		}
		if s.clean {
			clean++
		}
		if s.positionOK {
			positionOK++
		}
	}

	count := float64(len(samples))
	metrics.AvgLatencyMS = float64(totalLatency.Milliseconds()) / count
	metrics.MaxLatencyMS = float64(maxLatency.Milliseconds())
	metrics.ErrorRate = float64(failed) / count
	metrics.Throughput = count / sampleWindow.Seconds()
	metrics.DataQuality = float64(clean) / count * 100
	metrics.PositionAccuracy = float64(positionOK) / count * 100

	return metrics, nil
}
