// Package thresholds maps metric readings to alert levels. Each
// operational mode carries its own threshold set; operator overrides layer
// on top of the built-in defaults and can be reset per mode or globally.
package thresholds

import (
	"sync"

	"github.com/railsignal/fleet-sentinel/internal/domain"
)

// Thresholds holds the warning/critical/emergency cutoffs for one metric.
// For "higher is worse" metrics the cutoffs ascend; for "lower is worse"
// metrics (data quality, position accuracy, throughput) they descend.
type Thresholds struct {
	Warning   float64 `json:"warning"`
	Critical  float64 `json:"critical"`
	Emergency float64 `json:"emergency"`
}

// Registry resolves metric readings to alert levels under the current
// operational mode.
type Registry struct {
	mu        sync.RWMutex
	mode      domain.OperationalMode
	overrides map[domain.OperationalMode]map[domain.MetricKind]Thresholds
}

// NewRegistry creates a registry in the given starting mode.
func NewRegistry(mode domain.OperationalMode) *Registry {
	if !mode.Valid() {
		mode = domain.ModeNormal
	}
	return &Registry{
		mode:      mode,
		overrides: make(map[domain.OperationalMode]map[domain.MetricKind]Thresholds),
	}
}

// Mode returns the current operational mode.
func (r *Registry) Mode() domain.OperationalMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode switches the current operational mode.
func (r *Registry) SetMode(mode domain.OperationalMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
}

// Override layers an operator-supplied threshold set for one metric in one
// mode on top of the built-in defaults.
func (r *Registry) Override(mode domain.OperationalMode, kind domain.MetricKind, t Thresholds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overrides[mode] == nil {
		r.overrides[mode] = make(map[domain.MetricKind]Thresholds)
	}
	r.overrides[mode][kind] = t
}

// ResetMode removes all operator overrides for one mode.
func (r *Registry) ResetMode(mode domain.OperationalMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, mode)
}

// ResetAll removes every operator override.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = make(map[domain.OperationalMode]map[domain.MetricKind]Thresholds)
}

// Resolve returns the effective thresholds for kind under mode.
func (r *Registry) Resolve(mode domain.OperationalMode, kind domain.MetricKind) Thresholds {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if modeOverrides, ok := r.overrides[mode]; ok {
		if t, ok := modeOverrides[kind]; ok {
			return t
		}
	}
	return defaults[mode][kind]
}

// Classify maps a metric value to an alert level under the current mode.
func (r *Registry) Classify(kind domain.MetricKind, value float64) domain.AlertLevel {
	return r.ClassifyFor(r.Mode(), kind, value)
}

// ClassifyFor maps a metric value to an alert level under an explicit mode.
func (r *Registry) ClassifyFor(mode domain.OperationalMode, kind domain.MetricKind, value float64) domain.AlertLevel {
	t := r.Resolve(mode, kind)
	if HigherIsWorse(kind) {
		switch {
		case value >= t.Emergency:
			return domain.AlertEmergency
		case value >= t.Critical:
			return domain.AlertCritical
		case value >= t.Warning:
			return domain.AlertWarning
		default:
			return domain.AlertNormal
		}
	}
	switch {
	case value <= t.Emergency:
		return domain.AlertEmergency
	case value <= t.Critical:
		return domain.AlertCritical
	case value <= t.Warning:
		return domain.AlertWarning
	default:
		return domain.AlertNormal
	}
}

// HigherIsWorse reports the polarity of a metric.
func HigherIsWorse(kind domain.MetricKind) bool {
	switch kind {
	case domain.MetricDataQuality, domain.MetricPositionAccuracy, domain.MetricThroughput:
		return false
	default:
		return true
	}
}

// defaults holds the built-in threshold sets per mode. Latency in ms,
// rates as fractions, memory in bytes, usage/quality/accuracy in percent,
// throughput in reports per second.
var defaults = map[domain.OperationalMode]map[domain.MetricKind]Thresholds{
	domain.ModeNormal: {
		domain.MetricLatency:          {Warning: 1000, Critical: 3000, Emergency: 5000},
		domain.MetricErrorRate:        {Warning: 0.05, Critical: 0.10, Emergency: 0.25},
		domain.MetricMemory:           {Warning: 512 << 20, Critical: 1 << 30, Emergency: 2 << 30},
		domain.MetricConnectionUsage:  {Warning: 70, Critical: 85, Emergency: 95},
		domain.MetricFailureRate:      {Warning: 0.05, Critical: 0.15, Emergency: 0.30},
		domain.MetricDataQuality:      {Warning: 90, Critical: 80, Emergency: 60},
		domain.MetricPositionAccuracy: {Warning: 95, Critical: 90, Emergency: 75},
		domain.MetricThroughput:       {Warning: 10, Critical: 5, Emergency: 1},
	},
	domain.ModeHighTraffic: {
		domain.MetricLatency:          {Warning: 1500, Critical: 3500, Emergency: 6000},
		domain.MetricErrorRate:        {Warning: 0.08, Critical: 0.15, Emergency: 0.30},
		domain.MetricMemory:           {Warning: 768 << 20, Critical: 1536 << 20, Emergency: 3 << 30},
		domain.MetricConnectionUsage:  {Warning: 80, Critical: 90, Emergency: 97},
		domain.MetricFailureRate:      {Warning: 0.08, Critical: 0.20, Emergency: 0.35},
		domain.MetricDataQuality:      {Warning: 85, Critical: 75, Emergency: 55},
		domain.MetricPositionAccuracy: {Warning: 92, Critical: 85, Emergency: 70},
		domain.MetricThroughput:       {Warning: 25, Critical: 10, Emergency: 2},
	},
	domain.ModeMaintenance: {
		domain.MetricLatency:          {Warning: 2000, Critical: 5000, Emergency: 8000},
		domain.MetricErrorRate:        {Warning: 0.10, Critical: 0.20, Emergency: 0.40},
		domain.MetricMemory:           {Warning: 768 << 20, Critical: 1536 << 20, Emergency: 3 << 30},
		domain.MetricConnectionUsage:  {Warning: 80, Critical: 92, Emergency: 98},
		domain.MetricFailureRate:      {Warning: 0.10, Critical: 0.25, Emergency: 0.45},
		domain.MetricDataQuality:      {Warning: 80, Critical: 70, Emergency: 50},
		domain.MetricPositionAccuracy: {Warning: 90, Critical: 80, Emergency: 65},
		domain.MetricThroughput:       {Warning: 5, Critical: 2, Emergency: 0.5},
	},
	domain.ModeEmergency: {
		domain.MetricLatency:          {Warning: 500, Critical: 1500, Emergency: 3000},
		domain.MetricErrorRate:        {Warning: 0.02, Critical: 0.05, Emergency: 0.10},
		domain.MetricMemory:           {Warning: 384 << 20, Critical: 768 << 20, Emergency: 1536 << 20},
		domain.MetricConnectionUsage:  {Warning: 60, Critical: 75, Emergency: 90},
		domain.MetricFailureRate:      {Warning: 0.02, Critical: 0.08, Emergency: 0.15},
		domain.MetricDataQuality:      {Warning: 95, Critical: 85, Emergency: 70},
		domain.MetricPositionAccuracy: {Warning: 98, Critical: 92, Emergency: 80},
		domain.MetricThroughput:       {Warning: 15, Critical: 8, Emergency: 2},
	},
}
