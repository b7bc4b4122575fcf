package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/health"
	"github.com/railsignal/fleet-sentinel/internal/metrics"
	"github.com/railsignal/fleet-sentinel/internal/performance"
	"github.com/railsignal/fleet-sentinel/internal/pipeline"
	"github.com/railsignal/fleet-sentinel/internal/resilience"
	"github.com/railsignal/fleet-sentinel/internal/store"
	"github.com/railsignal/fleet-sentinel/internal/threat"
	"github.com/railsignal/fleet-sentinel/internal/thresholds"
	"github.com/railsignal/fleet-sentinel/internal/validation"
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

type apiFixture struct {
	router   *mux.Router
	registry *thresholds.Registry
	threat   *threat.Monitor
	clock    *fakeClock
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	clock := newFakeClock()

	validatorCfg := config.ValidatorConfig{
		MaxFieldLength:     50,
		MinTokenLength:     32,
		RateLimitPerMinute: 60,
		HistoryLimit:       100,
		HistoryMaxAge:      5 * time.Minute,
		MaxAcceleration:    2.0,
		Geofence:           config.BoundingBox{MinLat: 6, MaxLat: 38, MinLon: 68, MaxLon: 98},
	}
	threatCfg := config.ThreatConfig{
		HistoryLimit:     10,
		HistoryMaxAge:    5 * time.Minute,
		EventLogCap:      1000,
		Window:           5 * time.Minute,
		MaxSpeedKMH:      300,
		FloodPerMinute:   100,
		HighEventFloor:   3,
		MediumEventFloor: 5,
	}

	validator := validation.NewValidator(validatorCfg, logger, clock,
		store.NewMemoryHistoryStore(validatorCfg.HistoryLimit, validatorCfg.HistoryMaxAge, clock),
		store.NewMemoryRateCounter(clock))
	threatMonitor := threat.NewMonitor(threatCfg, logger, clock,
		store.NewMemoryHistoryStore(threatCfg.HistoryLimit, threatCfg.HistoryMaxAge, clock),
		store.NewMemoryRateCounter(clock))

	collector := metrics.NewCollector(prometheus.NewRegistry())
	tracker := metrics.NewTracker(clock, nil)
	registry := thresholds.NewRegistry(domain.ModeNormal)
	perfMonitor := performance.NewMonitor(config.MonitorConfig{
		Interval:         30 * time.Second,
		HistoryRetention: time.Hour,
		AlertCooldown:    2 * time.Minute,
		AlertRetention:   10 * time.Minute,
		TrendWindow:      5 * time.Minute,
	}, logger, clock, registry, tracker)
	executor := resilience.NewExecutor(logger, resilience.WithSleep(
		func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	))
	aggregator := health.NewAggregator(config.HealthConfig{Interval: 30 * time.Second},
		logger, clock, perfMonitor, executor, nil, nil)
	hub := NewHub(logger, clock, collector)

	p := pipeline.New(logger, clock, validator, threatMonitor, tracker, collector)
	handler := NewHTTPHandler(logger, p, threatMonitor, perfMonitor, aggregator, registry, hub)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return &apiFixture{router: router, registry: registry, threat: threatMonitor, clock: clock}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.1.2.3:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func ingestBody(clock *fakeClock) map[string]interface{} {
	return map[string]interface{}{
		"entity_id":  "TRAIN-12045",
		"latitude":   28.6139,
		"longitude":  77.2090,
		"speed":      82.5,
		"heading":    140.0,
		"timestamp":  clock.Now().UnixMilli(),
		"section_id": "SEC-NDLS-04",
		"source":     "gps",
		"status":     "running",
	}
}

func TestHandleIngest(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/api/v1/positions", ingestBody(f.clock), nil)
		f.threat.Wait()

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var result validation.ValidationResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.True(t, result.Valid)
		assert.Empty(t, result.Issues)
	})

	t.Run("Rejected", func(t *testing.T) {
		f := newAPIFixture(t)
		body := ingestBody(f.clock)
		body["entity_id"] = "x'; DROP TABLE positions--"

		rec := f.do(t, http.MethodPost, "/api/v1/positions", body, nil)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var result validation.ValidationResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.False(t, result.Valid)
		assert.NotEmpty(t, result.Issues)
	})

	t.Run("Short Auth Token Rejected", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/api/v1/positions", ingestBody(f.clock),
			map[string]string{"X-Auth-Token": "short"})

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("Malformed Body", func(t *testing.T) {
		f := newAPIFixture(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/positions", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleThreats(t *testing.T) {
	f := newAPIFixture(t)

	report := domain.PositionReport{
		EntityID:  "TRAIN-1",
		Latitude:  28.6,
		Longitude: 77.2,
		Speed:     412,
		Timestamp: f.clock.Now(),
	}
	f.threat.Analyze(context.Background(), report)

	rec := f.do(t, http.MethodGet, "/api/v1/threats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Level  domain.ThreatLevel     `json:"level"`
		Events []threat.SecurityEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, domain.ThreatLow, payload.Level)
	require.Len(t, payload.Events, 1)
	assert.Equal(t, threat.EventExcessiveSpeed, payload.Events[0].Type)

	t.Run("Invalid Limit", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/threats?limit=nope", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Level Endpoint", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/threats/level", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var payload map[string]domain.ThreatLevel
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		assert.Equal(t, domain.ThreatLow, payload["level"])
	})
}

func TestHandleMode(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/mode", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mode":"normal"}`, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/api/v1/mode", map[string]string{"mode": "emergency"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ModeEmergency, f.registry.Mode())

	rec = f.do(t, http.MethodPut, "/api/v1/mode", map[string]string{"mode": "panic"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ModeEmergency, f.registry.Mode(), "invalid mode leaves the current mode untouched")
}

func TestHandleThresholds(t *testing.T) {
	f := newAPIFixture(t)

	override := map[string]float64{"warning": 200, "critical": 400, "emergency": 800}
	rec := f.do(t, http.MethodPut, "/api/v1/thresholds/normal/latency", override, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	resolved := f.registry.Resolve(domain.ModeNormal, domain.MetricLatency)
	assert.Equal(t, thresholds.Thresholds{Warning: 200, Critical: 400, Emergency: 800}, resolved)

	t.Run("Unknown Mode", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/api/v1/thresholds/panic/latency", override, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Reset Mode", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/api/v1/thresholds/normal", nil, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		resolved := f.registry.Resolve(domain.ModeNormal, domain.MetricLatency)
		assert.Equal(t, 1000.0, resolved.Warning)
	})

	t.Run("Reset All", func(t *testing.T) {
		f.do(t, http.MethodPut, "/api/v1/thresholds/normal/latency", override, nil)
		rec := f.do(t, http.MethodDelete, "/api/v1/thresholds", nil, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		resolved := f.registry.Resolve(domain.ModeNormal, domain.MetricLatency)
		assert.Equal(t, 1000.0, resolved.Warning)
	})
}

func TestHandleDashboardAndAlerts(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/dashboard", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot performance.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, domain.AlertNormal, snapshot.Status)
	assert.Equal(t, domain.ModeNormal, snapshot.Mode)

	rec = f.do(t, http.MethodGet, "/api/v1/alerts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts struct {
		Status domain.AlertLevel   `json:"status"`
		Alerts []performance.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	assert.Equal(t, domain.AlertNormal, alerts.Status)
	assert.Empty(t, alerts.Alerts)
}

func TestHandleHealthAndLiveness(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, domain.AlertNormal, report.Status)
	assert.Equal(t, 100, report.Score)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:51234"
	assert.Equal(t, "10.1.2.3", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestRateLimitOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 61; i++ {
		last = f.do(t, http.MethodPost, "/api/v1/positions", ingestBody(f.clock), nil)
	}
	f.threat.Wait()

	require.Equal(t, http.StatusAccepted, last.Code, "rate limiting flags without rejecting")
	var result validation.ValidationResult
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &result))

	found := false
	for _, issue := range result.Issues {
		if issue.Type == validation.IssueRateLimitExceeded {
			found = true
		}
	}
	assert.True(t, found, fmt.Sprintf("expected a rate limit issue, got %v", result.Issues))
}
