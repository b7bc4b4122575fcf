// Package handlers exposes the operator-facing HTTP API and the live
// websocket feed.
package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/health"
	"github.com/railsignal/fleet-sentinel/internal/performance"
	"github.com/railsignal/fleet-sentinel/internal/pipeline"
	"github.com/railsignal/fleet-sentinel/internal/threat"
	"github.com/railsignal/fleet-sentinel/internal/thresholds"
)

// HTTPHandler handles the operator API.
type HTTPHandler struct {
	logger     *zap.Logger
	pipeline   *pipeline.Pipeline
	threat     *threat.Monitor
	monitor    *performance.Monitor
	aggregator *health.Aggregator
	registry   *thresholds.Registry
	hub        *Hub
}

// NewHTTPHandler creates an HTTP handler.
func NewHTTPHandler(
	logger *zap.Logger,
	p *pipeline.Pipeline,
	threatMonitor *threat.Monitor,
	monitor *performance.Monitor,
	aggregator *health.Aggregator,
	registry *thresholds.Registry,
	hub *Hub,
) *HTTPHandler {
	return &HTTPHandler{
		logger:     logger,
		pipeline:   p,
		threat:     threatMonitor,
		monitor:    monitor,
		aggregator: aggregator,
		registry:   registry,
		hub:        hub,
	}
}

// RegisterRoutes attaches all routes to the router.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.Use(h.loggingMiddleware)

	router.HandleFunc("/healthz", h.handleLiveness).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/positions", h.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/dashboard", h.handleDashboard).Methods(http.MethodGet)
	api.HandleFunc("/alerts", h.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/threats", h.handleThreatEvents).Methods(http.MethodGet)
	api.HandleFunc("/threats/level", h.handleThreatLevel).Methods(http.MethodGet)
	api.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/mode", h.handleGetMode).Methods(http.MethodGet)
	api.HandleFunc("/mode", h.handleSetMode).Methods(http.MethodPut)
	api.HandleFunc("/thresholds/{mode}/{metric}", h.handleOverrideThreshold).Methods(http.MethodPut)
	api.HandleFunc("/thresholds/{mode}", h.handleResetMode).Methods(http.MethodDelete)
	api.HandleFunc("/thresholds", h.handleResetAll).Methods(http.MethodDelete)

	router.HandleFunc("/ws/feed", h.hub.HandleFeed)
}

type ingestRequest struct {
	EntityID  string            `json:"entity_id"`
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Speed     float64           `json:"speed"`
	Heading   float64           `json:"heading"`
	Timestamp int64             `json:"timestamp"` // unix milliseconds
	SectionID string            `json:"section_id"`
	Source    string            `json:"source"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var request ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report := domain.PositionReport{
		EntityID:  request.EntityID,
		Latitude:  request.Latitude,
		Longitude: request.Longitude,
		Speed:     request.Speed,
		Heading:   request.Heading,
		Timestamp: time.UnixMilli(request.Timestamp),
		SectionID: request.SectionID,
		Source:    request.Source,
		Status:    request.Status,
		Metadata:  request.Metadata,
	}

	authToken := r.Header.Get("X-Auth-Token")
	sourceIP := clientIP(r)

	result := h.pipeline.Process(r.Context(), report, authToken, sourceIP)

	status := http.StatusAccepted
	if !result.Valid {
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, result)
}

func (h *HTTPHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.Snapshot())
}

func (h *HTTPHandler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": h.monitor.Status(),
		"alerts": h.monitor.ActiveAlerts(),
	})
}

func (h *HTTPHandler) handleThreatEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"level":  h.threat.Level(),
		"events": h.threat.Events(limit),
	})
}

func (h *HTTPHandler) handleThreatLevel(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"level": h.threat.Level(),
	})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.aggregator.Latest())
}

func (h *HTTPHandler) handleGetMode(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode": h.registry.Mode(),
	})
}

func (h *HTTPHandler) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Mode domain.OperationalMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !request.Mode.Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown operational mode")
		return
	}

	h.registry.SetMode(request.Mode)
	h.logger.Info("operational mode changed", zap.String("mode", string(request.Mode)))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode": request.Mode,
	})
}

func (h *HTTPHandler) handleOverrideThreshold(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mode := domain.OperationalMode(vars["mode"])
	if !mode.Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown operational mode")
		return
	}
	metric := domain.MetricKind(vars["metric"])

	var override thresholds.Thresholds
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.registry.Override(mode, metric, override)
	h.logger.Info("threshold override applied",
		zap.String("mode", string(mode)),
		zap.String("metric", string(metric)))
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleResetMode(w http.ResponseWriter, r *http.Request) {
	mode := domain.OperationalMode(mux.Vars(r)["mode"])
	if !mode.Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown operational mode")
		return
	}
	h.registry.ResetMode(mode)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleResetAll(w http.ResponseWriter, r *http.Request) {
	h.registry.ResetAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *HTTPHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// clientIP extracts the reporting source address, honoring the gateway's
// forwarding header.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
