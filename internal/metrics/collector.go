// Package metrics exposes Prometheus instrumentation and the in-process
// metrics source sampled by the performance monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/railsignal/fleet-sentinel/internal/domain"
)

// Collector manages Prometheus metrics for the service.
type Collector struct {
	reportsValidated *prometheus.CounterVec
	validationIssues *prometheus.CounterVec
	riskScore        prometheus.Histogram
	threatEvents     *prometheus.CounterVec
	threatLevel      prometheus.Gauge
	perfAlerts       *prometheus.CounterVec
	healthScore      prometheus.Gauge
	wsClients        prometheus.Gauge
	kafkaMessages    *prometheus.CounterVec
}

// NewCollector registers all metrics against reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		reportsValidated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_sentinel_reports_validated_total",
				Help: "Total number of position reports validated",
			},
			[]string{"result"},
		),
		validationIssues: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_sentinel_validation_issues_total",
				Help: "Total number of validation issues by type and severity",
			},
			[]string{"type", "severity"},
		),
		riskScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleet_sentinel_risk_score",
				Help:    "Distribution of report risk scores",
				Buckets: []float64{0.05, 0.1, 0.2, 0.4, 0.6, 0.8, 1.0},
			},
		),
		threatEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_sentinel_threat_events_total",
				Help: "Total number of security events by type and severity",
			},
			[]string{"type", "severity"},
		),
		threatLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_sentinel_threat_level",
				Help: "Current fleet threat level (0=none through 4=critical)",
			},
		),
		perfAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_sentinel_performance_alerts_total",
				Help: "Total number of performance alerts by level and metric",
			},
			[]string{"level", "metric"},
		),
		healthScore: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_sentinel_health_score",
				Help: "Current aggregate health score (0-100)",
			},
		),
		wsClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_sentinel_websocket_clients",
				Help: "Connected live-feed websocket clients",
			},
		),
		kafkaMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_sentinel_kafka_messages_total",
				Help: "Total Kafka messages consumed by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveValidation records the outcome of one validated report.
func (c *Collector) ObserveValidation(valid bool, issueTypes map[string]string, risk float64) {
	result := "accepted"
	if !valid {
		result = "rejected"
	}
	c.reportsValidated.WithLabelValues(result).Inc()
	for issueType, severity := range issueTypes {
		c.validationIssues.WithLabelValues(issueType, severity).Inc()
	}
	c.riskScore.Observe(risk)
}

// ObserveThreatEvent records one security event.
func (c *Collector) ObserveThreatEvent(eventType string, severity domain.Severity) {
	c.threatEvents.WithLabelValues(eventType, string(severity)).Inc()
}

// SetThreatLevel records the current threat level.
func (c *Collector) SetThreatLevel(level domain.ThreatLevel) {
	c.threatLevel.Set(float64(level.Rank()))
}

// ObserveAlert records one emitted performance alert.
func (c *Collector) ObserveAlert(level domain.AlertLevel, metric domain.MetricKind) {
	c.perfAlerts.WithLabelValues(string(level), string(metric)).Inc()
}

// SetHealthScore records the aggregate health score.
func (c *Collector) SetHealthScore(score int) {
	c.healthScore.Set(float64(score))
}

// WebsocketClientConnected adjusts the connected-client gauge.
func (c *Collector) WebsocketClientConnected(delta int) {
	c.wsClients.Add(float64(delta))
}

// ObserveKafkaMessage records one consumed message by outcome.
func (c *Collector) ObserveKafkaMessage(outcome string) {
	c.kafkaMessages.WithLabelValues(outcome).Inc()
}
