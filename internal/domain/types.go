package domain

import (
	"time"
)

// PositionReport is a single telemetry sample received from a vehicle.
// Reports arrive from untrusted sources; every field must survive
// validation before the report is trusted.
type PositionReport struct {
	EntityID  string            `json:"entity_id"`
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Speed     float64           `json:"speed"` // km/h
	Heading   float64           `json:"heading"`
	Timestamp time.Time         `json:"timestamp"`
	SectionID string            `json:"section_id"`
	Source    string            `json:"source"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Severity represents the severity of a security issue or event
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities for comparison; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// RiskWeight is the contribution of one issue of this severity to the
// overall risk score of a report.
func (s Severity) RiskWeight() float64 {
	switch s {
	case SeverityCritical:
		return 0.4
	case SeverityHigh:
		return 0.2
	case SeverityMedium:
		return 0.1
	case SeverityLow:
		return 0.05
	default:
		return 0
	}
}

// AnomalyFlag tags a specific irregularity class detected in a report
type AnomalyFlag string

const (
	AnomalyPositionJump    AnomalyFlag = "position_jump"
	AnomalyOutOfSequence   AnomalyFlag = "out_of_sequence"
	AnomalySpeedAnomaly    AnomalyFlag = "speed_anomaly"
	AnomalyFutureTimestamp AnomalyFlag = "future_timestamp"
	AnomalyGeofence        AnomalyFlag = "geofence_violation"
	AnomalyInvalidCoords   AnomalyFlag = "invalid_coordinates"
)

// OperationalMode is the operator-selected context that determines which
// threshold set applies
type OperationalMode string

const (
	ModeNormal      OperationalMode = "normal"
	ModeHighTraffic OperationalMode = "high_traffic"
	ModeMaintenance OperationalMode = "maintenance"
	ModeEmergency   OperationalMode = "emergency"
)

// Modes lists every operational mode.
func Modes() []OperationalMode {
	return []OperationalMode{ModeNormal, ModeHighTraffic, ModeMaintenance, ModeEmergency}
}

// Valid reports whether m is a known mode.
func (m OperationalMode) Valid() bool {
	switch m {
	case ModeNormal, ModeHighTraffic, ModeMaintenance, ModeEmergency:
		return true
	}
	return false
}

// ThreatLevel is the aggregate, time-windowed severity rating derived from
// recent security events across the fleet
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Rank orders threat levels; higher is worse.
func (t ThreatLevel) Rank() int {
	switch t {
	case ThreatCritical:
		return 4
	case ThreatHigh:
		return 3
	case ThreatMedium:
		return 2
	case ThreatLow:
		return 1
	default:
		return 0
	}
}

// AlertLevel classifies a metric reading against its thresholds
type AlertLevel string

const (
	AlertNormal    AlertLevel = "normal"
	AlertWarning   AlertLevel = "warning"
	AlertCritical  AlertLevel = "critical"
	AlertEmergency AlertLevel = "emergency"
)

// Rank orders alert levels; higher is worse.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertEmergency:
		return 3
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	default:
		return 0
	}
}

// MetricKind identifies a monitored metric
type MetricKind string

const (
	MetricLatency          MetricKind = "latency"
	MetricErrorRate        MetricKind = "error_rate"
	MetricMemory           MetricKind = "memory"
	MetricConnectionUsage  MetricKind = "connection_usage"
	MetricFailureRate      MetricKind = "failure_rate"
	MetricDataQuality      MetricKind = "data_quality"
	MetricPositionAccuracy MetricKind = "position_accuracy"
	MetricThroughput       MetricKind = "throughput"
)

// RecommendationPriority orders operator recommendations
type RecommendationPriority string

const (
	PriorityCritical RecommendationPriority = "critical"
	PriorityHigh     RecommendationPriority = "high"
	PriorityMedium   RecommendationPriority = "medium"
	PriorityLow      RecommendationPriority = "low"
)

// Rank orders priorities; higher is more urgent.
func (p RecommendationPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}
