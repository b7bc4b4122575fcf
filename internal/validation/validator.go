// Package validation implements the per-report integrity gate. Every
// incoming position report passes through a fixed pipeline of independent
// checks; each finding becomes a structured issue with a severity, never an
// error. The caller decides policy; by convention a report is rejected
// only when a check raises a critical issue.
package validation

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/store"
)

// IssueType identifies the check that produced a security issue
type IssueType string

const (
	IssueInjectionAttempt     IssueType = "injection_attempt"
	IssueFieldTooLong         IssueType = "field_too_long"
	IssueInvalidAuthToken     IssueType = "invalid_auth_token"
	IssueSuspiciousAuthToken  IssueType = "suspicious_auth_token"
	IssueRateLimitExceeded    IssueType = "rate_limit_exceeded"
	IssueInvalidCoordinates   IssueType = "invalid_coordinates"
	IssueGeofenceViolation    IssueType = "geofence_violation"
	IssueSuspiciousCoordinates IssueType = "suspicious_coordinates"
	IssuePositionJump         IssueType = "position_jump"
	IssueFutureTimestamp      IssueType = "future_timestamp"
	IssueStaleTimestamp       IssueType = "stale_timestamp"
	IssueOutOfSequence        IssueType = "out_of_sequence"
	IssueSpeedAnomaly         IssueType = "speed_anomaly"
	IssueDuplicateReport      IssueType = "duplicate_report"
)

// SecurityIssue is one finding from the validation pipeline
type SecurityIssue struct {
	Type      IssueType       `json:"type"`
	Severity  domain.Severity `json:"severity"`
	Message   string          `json:"message"`
	Field     string          `json:"field,omitempty"`
	Value     string          `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ValidationResult is the verdict for one report
type ValidationResult struct {
	Valid     bool                 `json:"valid"`
	Issues    []SecurityIssue      `json:"issues"`
	Anomalies []domain.AnomalyFlag `json:"anomalies"`
	RiskScore float64              `json:"risk_score"`
}

// HasSeverity reports whether any issue is at least as severe as s.
func (r ValidationResult) HasSeverity(s domain.Severity) bool {
	for _, issue := range r.Issues {
		if issue.Severity.Rank() >= s.Rank() {
			return true
		}
	}
	return false
}

// Validator is the position-integrity gate.
type Validator struct {
	config  config.ValidatorConfig
	logger  *zap.Logger
	clock   domain.Clock
	history store.HistoryStore
	rates   store.RateCounter
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop|exec|alter|truncate)\b`),
	regexp.MustCompile(`(?i)<\s*script|javascript:|on\w+\s*=`),
	regexp.MustCompile(`['";]|--|/\*|\*/`),
}

// NewValidator creates a validator. The history store must be owned
// exclusively by this validator.
func NewValidator(
	cfg config.ValidatorConfig,
	logger *zap.Logger,
	clock domain.Clock,
	history store.HistoryStore,
	rates store.RateCounter,
) *Validator {
	return &Validator{
		config:  cfg,
		logger:  logger,
		clock:   clock,
		history: history,
		rates:   rates,
	}
}

// Validate runs the full pipeline over one report. authToken and sourceIP
// are optional; pass empty strings when the transport does not supply
// them. Checks are independent and cumulative.
//
// Reports that raise a critical issue are not recorded in the entity's
// history: a forged sample must not become the baseline for jump and
// kinematics checks on subsequent genuine reports.
func (v *Validator) Validate(ctx context.Context, report domain.PositionReport, authToken, sourceIP string) ValidationResult {
	now := v.clock.Now()

	var issues []SecurityIssue
	anomalies := make(map[domain.AnomalyFlag]bool)

	addIssue := func(t IssueType, sev domain.Severity, msg, field, value string) {
		issues = append(issues, SecurityIssue{
			Type:      t,
			Severity:  sev,
			Message:   msg,
			Field:     field,
			Value:     value,
			Timestamp: now,
		})
	}

	issues = v.checkSanitization(report, issues, now)

	if authToken != "" {
		issues = v.checkAuthShape(authToken, issues, now)
	}

	if sourceIP != "" {
		issues = v.checkRateShape(ctx, report.EntityID, sourceIP, issues, now)
	}

	// Coordinate checks. Out-of-range values are flagged, never a crash.
	switch {
	case !domain.ValidCoordinates(report.Latitude, report.Longitude):
		addIssue(IssueInvalidCoordinates, domain.SeverityHigh,
			fmt.Sprintf("coordinates (%.4f, %.4f) are outside valid ranges", report.Latitude, report.Longitude), "", "")
		anomalies[domain.AnomalyInvalidCoords] = true
	case report.Latitude == 0 && report.Longitude == 0:
		addIssue(IssueSuspiciousCoordinates, domain.SeverityHigh,
			"report positioned at exactly (0, 0)", "", "")
		anomalies[domain.AnomalyGeofence] = true
	case !v.insideGeofence(report.Latitude, report.Longitude):
		addIssue(IssueGeofenceViolation, domain.SeverityMedium,
			fmt.Sprintf("coordinates (%.4f, %.4f) are outside the operating area", report.Latitude, report.Longitude), "", "")
		anomalies[domain.AnomalyGeofence] = true
	}

	history, err := v.history.Recent(ctx, report.EntityID, 0)
	if err != nil {
		// Degrade to an empty history rather than failing the report.
		v.logger.Warn("failed to load position history",
			zap.String("entity_id", report.EntityID),
			zap.Error(err))
		history = nil
	}

	issues = v.checkPositionJump(report, history, issues, anomalies, now)
	issues = v.checkTemporal(report, history, issues, anomalies, now)
	issues = v.checkKinematics(report, history, issues, anomalies, now)
	issues = v.checkDuplicate(report, history, issues, now)

	result := ValidationResult{
		Issues:    issues,
		Anomalies: flagList(anomalies),
		RiskScore: riskScore(issues, anomalies),
	}
	result.Valid = !result.HasSeverity(domain.SeverityCritical)

	if result.Valid {
		sample := store.PositionSample{
			Latitude:  report.Latitude,
			Longitude: report.Longitude,
			Speed:     report.Speed,
			Timestamp: report.Timestamp,
			Recorded:  now,
		}
		if err := v.history.Append(ctx, report.EntityID, sample); err != nil {
			v.logger.Warn("failed to record position history",
				zap.String("entity_id", report.EntityID),
				zap.Error(err))
		}
	} else {
		v.logger.Info("report rejected",
			zap.String("entity_id", report.EntityID),
			zap.Int("issues", len(result.Issues)),
			zap.Float64("risk_score", result.RiskScore))
	}

	return result
}

// checkSanitization scans string fields for injection patterns and
// oversized values.
func (v *Validator) checkSanitization(report domain.PositionReport, issues []SecurityIssue, now time.Time) []SecurityIssue {
	fields := map[string]string{
		"entity_id":  report.EntityID,
		"section_id": report.SectionID,
		"source":     report.Source,
		"status":     report.Status,
	}

	for field, value := range fields {
		if value == "" {
			continue
		}
		for _, pattern := range injectionPatterns {
			if pattern.MatchString(value) {
				issues = append(issues, SecurityIssue{
					Type:      IssueInjectionAttempt,
					Severity:  domain.SeverityCritical,
					Message:   fmt.Sprintf("field %q matches an injection pattern", field),
					Field:     field,
					Value:     value,
					Timestamp: now,
				})
				break
			}
		}
		if len(value) > v.config.MaxFieldLength {
			issues = append(issues, SecurityIssue{
				Type:      IssueFieldTooLong,
				Severity:  domain.SeverityHigh,
				Message:   fmt.Sprintf("field %q exceeds %d characters", field, v.config.MaxFieldLength),
				Field:     field,
				Timestamp: now,
			})
		}
	}
	return issues
}

// checkAuthShape applies shape heuristics to the supplied token. Tokens
// are opaque here; real verification belongs to the ingestion layer.
func (v *Validator) checkAuthShape(token string, issues []SecurityIssue, now time.Time) []SecurityIssue {
	if len(token) < v.config.MinTokenLength {
		issues = append(issues, SecurityIssue{
			Type:      IssueInvalidAuthToken,
			Severity:  domain.SeverityCritical,
			Message:   fmt.Sprintf("auth token shorter than %d characters", v.config.MinTokenLength),
			Timestamp: now,
		})
		return issues
	}
	if strings.Count(token, string(token[0])) == len(token) {
		issues = append(issues, SecurityIssue{
			Type:      IssueSuspiciousAuthToken,
			Severity:  domain.SeverityHigh,
			Message:   "auth token is a single repeated character",
			Timestamp: now,
		})
	}
	return issues
}

func (v *Validator) checkRateShape(ctx context.Context, entityID, sourceIP string, issues []SecurityIssue, now time.Time) []SecurityIssue {
	key := sourceIP + "|" + entityID
	count, err := v.rates.Incr(ctx, key, time.Minute)
	if err != nil {
		// A broken counter must not block ingestion.
		v.logger.Warn("rate counter unavailable", zap.String("key", key), zap.Error(err))
		return issues
	}
	if count > v.config.RateLimitPerMinute {
		issues = append(issues, SecurityIssue{
			Type:      IssueRateLimitExceeded,
			Severity:  domain.SeverityHigh,
			Message:   fmt.Sprintf("%d requests in the last minute from %s for this entity", count, sourceIP),
			Timestamp: now,
		})
	}
	return issues
}

// checkPositionJump compares the report against the entity's last
// validated position. The plausible distance is what the reported speed
// covers in the elapsed time; exceeding twice that bound is flagged.
func (v *Validator) checkPositionJump(report domain.PositionReport, history []store.PositionSample, issues []SecurityIssue, anomalies map[domain.AnomalyFlag]bool, now time.Time) []SecurityIssue {
	if len(history) == 0 || !domain.ValidCoordinates(report.Latitude, report.Longitude) {
		return issues
	}
	last := history[len(history)-1]
	elapsed := report.Timestamp.Sub(last.Timestamp).Seconds()
	if elapsed <= 0 {
		return issues
	}

	distanceM := domain.HaversineKM(last.Latitude, last.Longitude, report.Latitude, report.Longitude) * 1000
	maxDistanceM := report.Speed / 3.6 * elapsed

	if distanceM > 2*maxDistanceM {
		issues = append(issues, SecurityIssue{
			Type:     IssuePositionJump,
			Severity: domain.SeverityMedium,
			Message: fmt.Sprintf("moved %.0fm in %.1fs but at most %.0fm is plausible at %.0f km/h",
				distanceM, elapsed, maxDistanceM, report.Speed),
			Timestamp: now,
		})
		anomalies[domain.AnomalyPositionJump] = true
	}
	return issues
}

func (v *Validator) checkTemporal(report domain.PositionReport, history []store.PositionSample, issues []SecurityIssue, anomalies map[domain.AnomalyFlag]bool, now time.Time) []SecurityIssue {
	switch {
	case report.Timestamp.After(now.Add(time.Minute)):
		issues = append(issues, SecurityIssue{
			Type:      IssueFutureTimestamp,
			Severity:  domain.SeverityHigh,
			Message:   "report timestamp is more than a minute in the future",
			Timestamp: now,
		})
		anomalies[domain.AnomalyFutureTimestamp] = true
	case report.Timestamp.Before(now.Add(-5 * time.Minute)):
		issues = append(issues, SecurityIssue{
			Type:      IssueStaleTimestamp,
			Severity:  domain.SeverityMedium,
			Message:   "report timestamp is more than five minutes old",
			Timestamp: now,
		})
	}

	if len(history) > 0 && report.Timestamp.Before(history[len(history)-1].Timestamp) {
		issues = append(issues, SecurityIssue{
			Type:      IssueOutOfSequence,
			Severity:  domain.SeverityLow,
			Message:   "report timestamp precedes the entity's last recorded report",
			Timestamp: now,
		})
		anomalies[domain.AnomalyOutOfSequence] = true
	}
	return issues
}

// checkKinematics bounds the speed change against maximum plausible
// acceleration. Needs two stored positions so the baseline speed itself
// came from a validated sequence.
func (v *Validator) checkKinematics(report domain.PositionReport, history []store.PositionSample, issues []SecurityIssue, anomalies map[domain.AnomalyFlag]bool, now time.Time) []SecurityIssue {
	if len(history) < 2 {
		return issues
	}
	last := history[len(history)-1]
	elapsed := report.Timestamp.Sub(last.Timestamp).Seconds()
	if elapsed <= 0 {
		return issues
	}

	deltaMS := math.Abs(report.Speed-last.Speed) / 3.6
	maxDeltaMS := v.config.MaxAcceleration * elapsed

	if deltaMS > 2*maxDeltaMS {
		issues = append(issues, SecurityIssue{
			Type:     IssueSpeedAnomaly,
			Severity: domain.SeverityMedium,
			Message: fmt.Sprintf("speed changed %.1f m/s in %.1fs, beyond %.1f m/s plausible",
				deltaMS, elapsed, maxDeltaMS),
			Timestamp: now,
		})
		anomalies[domain.AnomalySpeedAnomaly] = true
	}
	return issues
}

func (v *Validator) checkDuplicate(report domain.PositionReport, history []store.PositionSample, issues []SecurityIssue, now time.Time) []SecurityIssue {
	if len(history) == 0 {
		return issues
	}
	last := history[len(history)-1]
	sameFix := report.Latitude == last.Latitude &&
		report.Longitude == last.Longitude &&
		report.Speed == last.Speed
	within := math.Abs(report.Timestamp.Sub(last.Timestamp).Seconds()) <= 5

	if sameFix && within {
		issues = append(issues, SecurityIssue{
			Type:      IssueDuplicateReport,
			Severity:  domain.SeverityLow,
			Message:   "identical position and speed within five seconds of the last report",
			Timestamp: now,
		})
	}
	return issues
}

func (v *Validator) insideGeofence(lat, lon float64) bool {
	g := v.config.Geofence
	return lat >= g.MinLat && lat <= g.MaxLat && lon >= g.MinLon && lon <= g.MaxLon
}

// riskScore sums severity weights plus a fixed contribution per distinct
// anomaly flag, capped at 1.0.
func riskScore(issues []SecurityIssue, anomalies map[domain.AnomalyFlag]bool) float64 {
	score := 0.0
	for _, issue := range issues {
		score += issue.Severity.RiskWeight()
	}
	score += 0.05 * float64(len(anomalies))
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func flagList(anomalies map[domain.AnomalyFlag]bool) []domain.AnomalyFlag {
	flags := make([]domain.AnomalyFlag, 0, len(anomalies))
	for flag := range anomalies {
		flags = append(flags, flag)
	}
	return flags
}
