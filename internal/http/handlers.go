package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget-service/internal/lifecycle"
	"github.com/kjstillabower/weather-widget-service/internal/observability"
	"github.com/kjstillabower/weather-widget-service/internal/service"
	"github.com/kjstillabower/weather-widget-service/internal/traffic"
)

// WidgetService is the orchestrator surface the handlers need.
type WidgetService interface {
	Snapshot() service.Snapshot
	Refresh(ctx context.Context) service.Snapshot
	SetUpdateInterval(minutes int) error
	Interval() time.Duration
	Outcomes(window time.Duration) traffic.Counts
	FailureRate(window time.Duration) float64
	SchedulerArmed() bool
}

// HealthConfig holds thresholds and dependency checks for the health handler.
type HealthConfig struct {
	FailureWindow time.Duration
	FailurePct    int
	// StoragePing, when set, checks the persistence backend.
	StoragePing func() error
	// ValidateAPIKey, when set, runs on GET /health?deep=true.
	ValidateAPIKey func(ctx context.Context) error
	Version        string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              WidgetService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(svc WidgetService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	return &Handler{
		svc:          svc,
		healthConfig: healthConfig,
		logger:       observability.OrNop(logger),
	}
}

// GetWeather handles GET /weather.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// PostRefresh handles POST /weather/refresh. It runs the acquisition or joins
// the one in flight, and answers with the snapshot afterwards.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	snap := h.svc.Refresh(r.Context())
	if logger := loggerFromRequest(r); logger != nil {
		logger.Debug("manual refresh",
			zap.String("phase", snap.Phase.String()),
			zap.Bool("loading", snap.IsLoading))
	}
	writeJSON(w, http.StatusOK, snap)
}

type intervalRequest struct {
	Minutes *int `json:"minutes"`
}

// PutInterval handles PUT /weather/interval with body {"minutes": N}.
func (h *Handler) PutInterval(w http.ResponseWriter, r *http.Request) {
	var body intervalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil || body.Minutes == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INTERVAL", `body must be {"minutes": <int>}`)
		return
	}

	if err := h.svc.SetUpdateInterval(*body.Minutes); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInterval):
			writeError(w, r, http.StatusBadRequest, "INVALID_INTERVAL", "minutes must be at least 1")
		case errors.Is(err, service.ErrClosed):
			writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down")
		default:
			h.logger.Error("set update interval", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "INTERNAL", "could not change update interval")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updateIntervalMinutes": int(h.svc.Interval() / time.Minute),
		"schedulerArmed":        h.svc.SchedulerArmed(),
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context(), r.URL.Query().Get("deep") == "true")

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := h.healthConfig.Version
	if version == "" {
		version = "dev"
	}
	snap := h.svc.Snapshot()
	resp := map[string]interface{}{
		"status":                result.status,
		"service":               "weather-widget-service",
		"version":               version,
		"checks":                result.checks,
		"phase":                 snap.Phase.String(),
		"schedulerArmed":        h.svc.SchedulerArmed(),
		"updateIntervalMinutes": int(h.svc.Interval() / time.Minute),
		"outcomes":              h.svc.Outcomes(h.failureWindow()),
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

func (h *Handler) failureWindow() time.Duration {
	if h.healthConfig.FailureWindow > 0 {
		return h.healthConfig.FailureWindow
	}
	return traffic.DefaultRetention
}

// computeHealthStatus evaluates, in order: shutting-down, starting, then the
// dependency checks. Any unhealthy check makes the service degraded.
func (h *Handler) computeHealthStatus(ctx context.Context, deep bool) healthResult {
	checks := make(map[string]string)

	switch lifecycle.Current() {
	case lifecycle.ShuttingDown:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	case lifecycle.Starting:
		return healthResult{"starting", http.StatusServiceUnavailable, "initializing", checks}
	}

	reason := ""
	checks["weatherApi"] = "healthy"
	snap := h.svc.Snapshot()
	if snap.Phase == service.PhaseFailed && snap.Weather == nil {
		checks["weatherApi"] = "unhealthy"
		reason = "no_weather_data"
	} else if pct := h.healthConfig.FailurePct; pct > 0 {
		window := h.failureWindow()
		if h.svc.Outcomes(window).Total() > 0 && h.svc.FailureRate(window)*100 >= float64(pct) {
			checks["weatherApi"] = "unhealthy"
			reason = "failure_rate_breach"
		}
	}

	if h.healthConfig.StoragePing != nil {
		if err := h.healthConfig.StoragePing(); err != nil {
			checks["storage"] = "unhealthy"
			if reason == "" {
				reason = "storage_unreachable"
			}
		} else {
			checks["storage"] = "healthy"
		}
	}

	if deep && h.healthConfig.ValidateAPIKey != nil {
		if err := h.healthConfig.ValidateAPIKey(ctx); err != nil {
			checks["apiKey"] = "unhealthy"
			if reason == "" {
				reason = "api_key_invalid"
			}
		} else {
			checks["apiKey"] = "healthy"
		}
	}

	if reason != "" {
		return healthResult{"degraded", http.StatusServiceUnavailable, reason, checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationIDFromRequest(r),
		},
	})
}

func correlationIDFromRequest(r *http.Request) string {
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		return v
	}
	return ""
}

func loggerFromRequest(r *http.Request) *zap.Logger {
	if l, ok := r.Context().Value("logger").(*zap.Logger); ok {
		return l
	}
	return nil
}
