package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-widget-service/internal/lifecycle"
	"github.com/kjstillabower/weather-widget-service/internal/models"
	"github.com/kjstillabower/weather-widget-service/internal/service"
	"github.com/kjstillabower/weather-widget-service/internal/traffic"
)

type fakeService struct {
	mu          sync.Mutex
	snap        service.Snapshot
	refreshed   int
	interval    time.Duration
	intervalErr error
	armed       bool
	counts      traffic.Counts
	failureRate float64
}

func (f *fakeService) Snapshot() service.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeService) Refresh(ctx context.Context) service.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return f.snap
}

func (f *fakeService) SetUpdateInterval(minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intervalErr != nil {
		return f.intervalErr
	}
	if minutes < 1 {
		return service.ErrInvalidInterval
	}
	f.interval = time.Duration(minutes) * time.Minute
	return nil
}

func (f *fakeService) Interval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

func (f *fakeService) Outcomes(window time.Duration) traffic.Counts { return f.counts }
func (f *fakeService) FailureRate(window time.Duration) float64    { return f.failureRate }
func (f *fakeService) SchedulerArmed() bool                        { return f.armed }

func readySnapshot() service.Snapshot {
	rec := models.WeatherRecord{CityName: "Seattle", Temperature: 12, LastUpdated: time.Now().UnixMilli()}
	ts := rec.UpdatedAt()
	return service.Snapshot{Phase: service.PhaseReady, Weather: &rec, LastUpdated: &ts}
}

func serving(t *testing.T) {
	t.Helper()
	lifecycle.Reset()
	lifecycle.MarkServing()
	t.Cleanup(lifecycle.Reset)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHandler_GetWeather(t *testing.T) {
	svc := &fakeService{snap: readySnapshot()}
	h := NewHandler(svc, nil, nil)

	w := httptest.NewRecorder()
	h.GetWeather(w, httptest.NewRequest(http.MethodGet, "/weather", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decodeBody(t, w)
	weather, ok := body["weather"].(map[string]interface{})
	if !ok || weather["cityName"] != "Seattle" {
		t.Errorf("weather = %v", body["weather"])
	}
	if body["phase"] != "ready" || body["isLoading"] != false || body["error"] != nil {
		t.Errorf("body = %v", body)
	}
}

func TestHandler_GetWeather_BeforeFirstLoad(t *testing.T) {
	svc := &fakeService{snap: service.Snapshot{Phase: service.PhaseIdle, IsLoading: true}}
	w := httptest.NewRecorder()
	NewHandler(svc, nil, nil).GetWeather(w, httptest.NewRequest(http.MethodGet, "/weather", nil))

	body := decodeBody(t, w)
	if body["weather"] != nil || body["isLoading"] != true || body["lastUpdated"] != nil {
		t.Errorf("body = %v", body)
	}
}

func TestHandler_PostRefresh(t *testing.T) {
	snap := readySnapshot()
	snap.Phase = service.PhaseFailed
	snap.Error = "Weather service error: 500 Internal Server Error"
	svc := &fakeService{snap: snap}

	w := httptest.NewRecorder()
	NewHandler(svc, nil, nil).PostRefresh(w, httptest.NewRequest(http.MethodPost, "/weather/refresh", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if svc.refreshed != 1 {
		t.Errorf("refreshed = %d, want 1", svc.refreshed)
	}
	body := decodeBody(t, w)
	if body["error"] != snap.Error || body["phase"] != "failed" {
		t.Errorf("body = %v", body)
	}
	if body["weather"] == nil {
		t.Error("previous record missing from failed snapshot")
	}
}

func TestHandler_PutInterval(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		svcErr   error
		wantCode int
		wantErr  string
	}{
		{"valid", `{"minutes": 15}`, nil, http.StatusOK, ""},
		{"zero", `{"minutes": 0}`, nil, http.StatusBadRequest, "INVALID_INTERVAL"},
		{"missing", `{}`, nil, http.StatusBadRequest, "INVALID_INTERVAL"},
		{"not json", `fifteen`, nil, http.StatusBadRequest, "INVALID_INTERVAL"},
		{"wrong type", `{"minutes": "15"}`, nil, http.StatusBadRequest, "INVALID_INTERVAL"},
		{"closed", `{"minutes": 5}`, service.ErrClosed, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{"scheduler failure", `{"minutes": 5}`, errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{interval: 10 * time.Minute, intervalErr: tt.svcErr, armed: true}
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/weather/interval", strings.NewReader(tt.body))
			NewHandler(svc, nil, nil).PutInterval(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			body := decodeBody(t, w)
			if tt.wantErr == "" {
				if body["updateIntervalMinutes"] != float64(15) || body["schedulerArmed"] != true {
					t.Errorf("body = %v", body)
				}
				return
			}
			errObj, _ := body["error"].(map[string]interface{})
			if errObj["code"] != tt.wantErr {
				t.Errorf("error code = %v, want %s", errObj["code"], tt.wantErr)
			}
		})
	}
}

func TestHandler_GetHealth(t *testing.T) {
	tests := []struct {
		name       string
		stage      func()
		svc        *fakeService
		cfg        *HealthConfig
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "healthy",
			svc:        &fakeService{snap: readySnapshot(), counts: traffic.Counts{Success: 3}},
			cfg:        &HealthConfig{FailurePct: 50, StoragePing: func() error { return nil }},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"weatherApi": "healthy", "storage": "healthy"},
		},
		{
			name:       "starting",
			stage:      lifecycle.Reset,
			svc:        &fakeService{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "starting",
		},
		{
			name:       "shutting down",
			stage:      func() { lifecycle.SetShuttingDown(true) },
			svc:        &fakeService{snap: readySnapshot()},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "shutting-down",
		},
		{
			name:       "failed without data",
			svc:        &fakeService{snap: service.Snapshot{Phase: service.PhaseFailed, Error: "x"}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"weatherApi": "unhealthy"},
		},
		{
			name: "failure rate breach",
			svc: &fakeService{
				snap:        readySnapshot(),
				counts:      traffic.Counts{Success: 1, Failure: 3},
				failureRate: 0.75,
			},
			cfg:        &HealthConfig{FailurePct: 50},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"weatherApi": "unhealthy"},
		},
		{
			name: "below failure threshold",
			svc: &fakeService{
				snap:        readySnapshot(),
				counts:      traffic.Counts{Success: 3, Failure: 1},
				failureRate: 0.25,
			},
			cfg:        &HealthConfig{FailurePct: 50},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "storage down",
			svc:        &fakeService{snap: readySnapshot()},
			cfg:        &HealthConfig{StoragePing: func() error { return errors.New("dial tcp: refused") }},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"weatherApi": "healthy", "storage": "unhealthy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serving(t)
			if tt.stage != nil {
				tt.stage()
			}
			w := httptest.NewRecorder()
			NewHandler(tt.svc, tt.cfg, nil).GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			body := decodeBody(t, w)
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			if body["service"] != "weather-widget-service" {
				t.Errorf("service = %v", body["service"])
			}
			checks, _ := body["checks"].(map[string]interface{})
			for k, v := range tt.wantChecks {
				if checks[k] != v {
					t.Errorf("checks[%s] = %v, want %s", k, checks[k], v)
				}
			}
		})
	}
}

func TestHandler_GetHealth_DeepValidatesAPIKey(t *testing.T) {
	serving(t)
	calls := 0
	cfg := &HealthConfig{ValidateAPIKey: func(ctx context.Context) error {
		calls++
		return errors.New("invalid API key")
	}}
	h := NewHandler(&fakeService{snap: readySnapshot()}, cfg, nil)

	w := httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if calls != 0 || w.Code != http.StatusOK {
		t.Fatalf("shallow health: calls = %d, code = %d", calls, w.Code)
	}

	w = httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health?deep=true", nil))
	if calls != 1 || w.Code != http.StatusServiceUnavailable {
		t.Fatalf("deep health: calls = %d, code = %d", calls, w.Code)
	}
	checks, _ := decodeBody(t, w)["checks"].(map[string]interface{})
	if checks["apiKey"] != "unhealthy" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	serving(t)
	core, logs := observer.New(zapcore.InfoLevel)
	svc := &fakeService{snap: readySnapshot()}
	h := NewHandler(svc, nil, zap.New(core))

	h.GetHealth(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	svc.mu.Lock()
	svc.snap = service.Snapshot{Phase: service.PhaseFailed, Error: "x"}
	svc.mu.Unlock()
	h.GetHealth(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "no_weather_data" {
		t.Errorf("fields = %v", fields)
	}
}
