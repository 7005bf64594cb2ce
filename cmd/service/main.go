package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-widget-service/internal/cache"
	"github.com/kjstillabower/weather-widget-service/internal/client"
	"github.com/kjstillabower/weather-widget-service/internal/config"
	httphandler "github.com/kjstillabower/weather-widget-service/internal/http"
	"github.com/kjstillabower/weather-widget-service/internal/lifecycle"
	"github.com/kjstillabower/weather-widget-service/internal/location"
	"github.com/kjstillabower/weather-widget-service/internal/models"
	"github.com/kjstillabower/weather-widget-service/internal/observability"
	"github.com/kjstillabower/weather-widget-service/internal/scheduler"
	"github.com/kjstillabower/weather-widget-service/internal/service"
	"github.com/kjstillabower/weather-widget-service/internal/storage"
	"github.com/kjstillabower/weather-widget-service/internal/traffic"
)

const version = "1.0.0"

// backend is a persistence store with optional connection management.
type backend struct {
	storage.Persistence
	ping  func() error
	close func() error
}

func newPersistence(cfg *config.Config) (backend, error) {
	switch cfg.StorageBackend {
	case storage.BackendMemcached:
		mc := storage.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		return backend{Persistence: mc, ping: mc.Ping, close: mc.Close}, nil
	case storage.BackendRedis:
		rs := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTimeout)
		return backend{Persistence: rs, ping: rs.Ping, close: rs.Close}, nil
	case storage.BackendInMemory, "":
		return backend{Persistence: storage.NewInMemoryStore()}, nil
	}
	return backend{}, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func locationPolicy(cfg *config.Config) location.Policy {
	policy := location.DefaultPolicy()
	if cfg.LocationPrimaryTimeout > 0 {
		policy.Primary.Timeout = cfg.LocationPrimaryTimeout
	}
	if cfg.LocationFallbackTimeout > 0 {
		policy.Fallback.Timeout = cfg.LocationFallbackTimeout
	}
	if cfg.LocationRetryDelay > 0 {
		policy.RetryDelay = cfg.LocationRetryDelay
	}
	return policy
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.Units, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		weatherClient.EnableCircuitBreaker(client.BreakerConfig{
			FailureThreshold: uint32(cfg.CircuitBreakerFailures),
			OpenTimeout:      cfg.CircuitBreakerOpenTimeout,
			OnStateChange: func(from, to string) {
				logger.Warn("weather api circuit breaker state change", zap.String("from", from), zap.String("to", to))
			},
		})
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailures), zap.Duration("open_timeout", cfg.CircuitBreakerOpenTimeout))
	}
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := weatherClient.ValidateAPIKey(startupCtx); err != nil {
		logger.Warn("api key validation failed", zap.Error(err))
	}
	startupCancel()

	persist, err := newPersistence(cfg)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	logger.Info("storage backend", zap.String("backend", cfg.StorageBackend))

	sensor, err := location.NewSensor(cfg.LocationMode,
		models.Coordinates{Latitude: cfg.LocationLatitude, Longitude: cfg.LocationLongitude},
		cfg.LocationIPURL, cfg.LocationTimeout)
	if err != nil {
		logger.Fatal("location sensor", zap.Error(err))
	}

	tracker := traffic.NewTracker(cfg.HealthFailureWindow)
	weatherService, err := service.NewWeatherService(service.Settings{
		APIKey:                cfg.WeatherAPIKey,
		DefaultCity:           cfg.DefaultCity,
		UpdateIntervalMinutes: cfg.UpdateIntervalMinutes,
		Units:                 cfg.Units,
		PipelineTimeout:       cfg.PipelineTimeout,
	}, service.Dependencies{
		Resolver:  location.NewResolver(sensor, locationPolicy(cfg), logger),
		Fetcher:   weatherClient,
		Cache:     cache.NewTTLStore(persist, logger),
		Scheduler: scheduler.New(logger),
		Tracker:   tracker,
	}, logger)
	if err != nil {
		logger.Fatal("weather service", zap.Error(err))
	}

	healthConfig := &httphandler.HealthConfig{
		FailureWindow:  cfg.HealthFailureWindow,
		FailurePct:     cfg.HealthFailurePct,
		StoragePing:    persist.ping,
		ValidateAPIKey: weatherClient.ValidateAPIKey,
		Version:        version,
	}
	handler := httphandler.NewHandler(weatherService, healthConfig, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		InFlight:       inFlight,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.PipelineTimeout + 10*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	go func() {
		snap := weatherService.Initialize(context.Background())
		lifecycle.MarkServing()
		logger.Info("widget initialized", zap.String("phase", snap.Phase.String()), zap.String("error", snap.Error))
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := inFlight.WaitForZero(waitCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	weatherService.Close()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if persist.close != nil {
		if err := persist.close(); err != nil {
			logger.Error("storage close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
