// Package pipeline is the ingestion path shared by the HTTP and Kafka
// transports: validate the report, record instrumentation, and hand
// accepted reports to the threat monitor without blocking.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/metrics"
	"github.com/railsignal/fleet-sentinel/internal/threat"
	"github.com/railsignal/fleet-sentinel/internal/validation"
)

// Pipeline processes incoming position reports.
type Pipeline struct {
	logger    *zap.Logger
	clock     domain.Clock
	validator *validation.Validator
	threat    *threat.Monitor
	tracker   *metrics.Tracker
	collector *metrics.Collector
}

// New creates a pipeline.
func New(
	logger *zap.Logger,
	clock domain.Clock,
	validator *validation.Validator,
	threatMonitor *threat.Monitor,
	tracker *metrics.Tracker,
	collector *metrics.Collector,
) *Pipeline {
	return &Pipeline{
		logger:    logger,
		clock:     clock,
		validator: validator,
		threat:    threatMonitor,
		tracker:   tracker,
		collector: collector,
	}
}

// Process validates one report and dispatches it onward when accepted.
// The returned result is the transport's accept/reject/flag decision
// input.
func (p *Pipeline) Process(ctx context.Context, report domain.PositionReport, authToken, sourceIP string) validation.ValidationResult {
	start := p.clock.Now()
	result := p.validator.Validate(ctx, report, authToken, sourceIP)
	elapsed := p.clock.Now().Sub(start)

	positionOK := true
	for _, flag := range result.Anomalies {
		switch flag {
		case domain.AnomalyPositionJump, domain.AnomalyInvalidCoords, domain.AnomalyGeofence:
			positionOK = false
		}
	}

	p.tracker.ObserveIngest(elapsed, !result.Valid, len(result.Issues) == 0, positionOK)

	issueTypes := make(map[string]string, len(result.Issues))
	for _, issue := range result.Issues {
		issueTypes[string(issue.Type)] = string(issue.Severity)
	}
	p.collector.ObserveValidation(result.Valid, issueTypes, result.RiskScore)

	if result.Valid {
		p.threat.Dispatch(report)
	}

	return result
}
