package thresholds

import (
	"github.com/railsignal/fleet-sentinel/internal/domain"
)

// RecommendedAction returns remediation text for a classified metric, or
// an empty string when no action is warranted.
func RecommendedAction(level domain.AlertLevel, kind domain.MetricKind) string {
	if level == domain.AlertNormal {
		return ""
	}
	if actions, ok := remediations[kind]; ok {
		if action, ok := actions[level]; ok {
			return action
		}
	}
	return "Investigate the metric source and recent deployments"
}

var remediations = map[domain.MetricKind]map[domain.AlertLevel]string{
	domain.MetricLatency: {
		domain.AlertWarning:   "Check downstream service response times and queue depths",
		domain.AlertCritical:  "Scale out processing workers and inspect slow queries",
		domain.AlertEmergency: "Shed non-essential load and page the on-call engineer",
	},
	domain.MetricErrorRate: {
		domain.AlertWarning:   "Review recent error logs for a common failure signature",
		domain.AlertCritical:  "Roll back the latest deployment if errors correlate with it",
		domain.AlertEmergency: "Activate incident response; divert traffic to standby capacity",
	},
	domain.MetricMemory: {
		domain.AlertWarning:   "Inspect heap growth and history buffer sizes",
		domain.AlertCritical:  "Restart leaking workers during the next low-traffic window",
		domain.AlertEmergency: "Restart the service now; memory exhaustion is imminent",
	},
	domain.MetricConnectionUsage: {
		domain.AlertWarning:   "Audit idle connections and tighten client timeouts",
		domain.AlertCritical:  "Raise the connection pool ceiling or add an instance",
		domain.AlertEmergency: "Reject new connections until saturation clears",
	},
	domain.MetricFailureRate: {
		domain.AlertWarning:   "Check retry queues for growth",
		domain.AlertCritical:  "Inspect dependency health; failures are not transient",
		domain.AlertEmergency: "Fail over to the secondary pipeline",
	},
	domain.MetricDataQuality: {
		domain.AlertWarning:   "Sample recent rejects for a dominant issue type",
		domain.AlertCritical:  "Audit upstream feeds for malformed or stale reports",
		domain.AlertEmergency: "Quarantine the worst upstream source until quality recovers",
	},
	domain.MetricPositionAccuracy: {
		domain.AlertWarning:   "Compare GPS fixes against track-section references",
		domain.AlertCritical:  "Flag affected vehicles for device inspection",
		domain.AlertEmergency: "Treat affected-vehicle positions as unreliable in dispatch",
	},
	domain.MetricThroughput: {
		domain.AlertWarning:   "Verify upstream feeds are publishing at the expected rate",
		domain.AlertCritical:  "Check broker lag and consumer liveness",
		domain.AlertEmergency: "Ingestion has stalled; restart the consumer and page on-call",
	},
}
