package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-widget-service/internal/observability"
)

// RouterConfig carries the cross-cutting pieces the router wires around handlers.
type RouterConfig struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	InFlight       *InFlightTracker
}

// NewRouter builds the service routes:
//
//	GET  /weather           current snapshot
//	POST /weather/refresh   run or join an acquisition (rate limited)
//	PUT  /weather/interval  change the update interval
//	GET  /health
//	GET  /metrics
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := observability.OrNop(cfg.Logger)
	inFlight := cfg.InFlight
	if inFlight == nil {
		inFlight = &InFlightTracker{}
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(inFlight))
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	withTimeout := func(next http.Handler) http.Handler { return next }
	if cfg.RequestTimeout > 0 {
		withTimeout = TimeoutMiddleware(cfg.RequestTimeout)
	}
	router.Handle("/weather", http.HandlerFunc(h.GetWeather)).Methods(http.MethodGet)
	router.Handle("/weather/refresh",
		RateLimitMiddleware(cfg.Limiter)(withTimeout(http.HandlerFunc(h.PostRefresh)))).Methods(http.MethodPost)
	router.Handle("/weather/interval", withTimeout(http.HandlerFunc(h.PutInterval))).Methods(http.MethodPut)

	return router
}
