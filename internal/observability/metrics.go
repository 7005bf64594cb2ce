package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate for the widget API. Watch for: sudden drops (service down).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Refresh requests include a full pipeline run.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Drained during graceful shutdown.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap API calls by query kind (coordinates, city) and status.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Location sensor attempts by tier (primary, fallback) and outcome.
	// Watch for: high fallback usage = weak positioning, permission_denied = user opted out.
	LocationAttemptsTotal *prometheus.CounterVec

	// Cache reads by result (hit, miss, expired, error).
	CacheReadsTotal *prometheus.CounterVec

	// Absorbed persistence failures by operation (get, set, remove, decode, encode).
	CacheErrorsTotal *prometheus.CounterVec

	// Fetch pipeline runs by result (success, fallback, failure).
	PipelineRunsTotal *prometheus.CounterVec

	// Pipeline end-to-end latency including location resolution.
	PipelineDuration prometheus.Histogram

	// Callers that joined an already running pipeline instead of starting one.
	PipelineCoalescedTotal prometheus.Counter

	// Scheduler arm calls (start and interval changes).
	SchedulerArmsTotal prometheus.Counter

	// Scheduler ticks delivered to the pipeline.
	SchedulerTicksTotal prometheus.Counter

	// Age of the record currently shown by the widget, computed at scrape time.
	// Watch for: growth past the update interval.
	WeatherRecordAgeSeconds prometheus.GaugeFunc

	// Rate limit denials on manual refresh.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"query", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	LocationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationAttemptsTotal",
			Help: "Location sensor attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
	CacheReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheReadsTotal",
			Help: "Weather cache reads by result",
		},
		[]string{"result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Persistence failures absorbed by the weather cache",
		},
		[]string{"op"},
	)
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelineRunsTotal",
			Help: "Weather fetch pipeline runs by result",
		},
		[]string{"result"},
	)
	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipelineDurationSeconds",
			Help:    "Weather fetch pipeline latency in seconds, location included",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)
	PipelineCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipelineCoalescedTotal",
			Help: "Pipeline callers that joined an in-flight run",
		},
	)
	SchedulerArmsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedulerArmsTotal",
			Help: "Refresh scheduler arm calls",
		},
	)
	SchedulerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedulerTicksTotal",
			Help: "Refresh scheduler ticks",
		},
	)
	WeatherRecordAgeSeconds = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "weatherRecordAgeSeconds",
			Help: "Age in seconds of the displayed weather record",
		},
		func() float64 {
			if fn := recordAge.Load(); fn != nil {
				return (*fn)()
			}
			return 0
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of refresh requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration,
		LocationAttemptsTotal,
		CacheReadsTotal, CacheErrorsTotal,
		PipelineRunsTotal, PipelineDuration, PipelineCoalescedTotal,
		SchedulerArmsTotal, SchedulerTicksTotal,
		WeatherRecordAgeSeconds,
		RateLimitDeniedTotal,
	)
}

var recordAge atomic.Pointer[func() float64]

// SetRecordAgeSource installs the function behind WeatherRecordAgeSeconds.
// nil makes the gauge report 0.
func SetRecordAgeSource(fn func() float64) {
	if fn == nil {
		recordAge.Store(nil)
		return
	}
	recordAge.Store(&fn)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
