package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-widget-service/internal/location"
	"github.com/kjstillabower/weather-widget-service/internal/models"
	"github.com/kjstillabower/weather-widget-service/internal/storage"
	"github.com/kjstillabower/weather-widget-service/internal/validation"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	DefaultCity           string
	UpdateIntervalMinutes int
	Units                 models.Units
	PipelineTimeout       time.Duration

	LocationMode       string // "none", "static", "ip" or "denied"
	LocationLatitude   float64
	LocationLongitude  float64
	LocationIPURL      string
	LocationTimeout    time.Duration // IP lookup HTTP timeout
	LocationRetryDelay time.Duration
	// Sensor attempt timeouts: high accuracy first, then coarse.
	LocationPrimaryTimeout  time.Duration
	LocationFallbackTimeout time.Duration

	StorageBackend        string // "in_memory", "memcached" or "redis"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisTimeout          time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerFailures    int
	CircuitBreakerOpenTimeout time.Duration
	RateLimitRPS              int
	RateLimitBurst            int

	HealthFailureWindow time.Duration
	HealthFailurePct    int

	ShutdownTimeout time.Duration
	InFlightTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port           string `yaml:"port"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Widget struct {
		DefaultCity           string `yaml:"default_city"`
		UpdateIntervalMinutes int    `yaml:"update_interval_minutes"`
		Units                 string `yaml:"units"`
		PipelineTimeout       string `yaml:"pipeline_timeout"`
	} `yaml:"widget"`

	Location struct {
		Mode            string  `yaml:"mode"`
		Latitude        float64 `yaml:"latitude"`
		Longitude       float64 `yaml:"longitude"`
		IPURL           string  `yaml:"ip_url"`
		Timeout         string  `yaml:"timeout"`
		RetryDelay      string  `yaml:"retry_delay"`
		PrimaryTimeout  string  `yaml:"primary_timeout"`
		FallbackTimeout string  `yaml:"fallback_timeout"`
	} `yaml:"location"`

	Storage struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Reliability struct {
		CircuitBreakerEnabled     *bool  `yaml:"circuit_breaker_enabled"`
		CircuitBreakerFailures    int    `yaml:"circuit_breaker_failures"`
		CircuitBreakerOpenTimeout string `yaml:"circuit_breaker_open_timeout"`
		RateLimitRPS              int    `yaml:"rate_limit_rps"`
		RateLimitBurst            int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Health struct {
		FailureWindow string `yaml:"failure_window"`
		FailurePct    int    `yaml:"failure_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. The API key comes from WEATHER_API_KEY or the secrets
// file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}

	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 10*time.Second)

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		key, err := readSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)

	cfg.DefaultCity = envOr("DEFAULT_CITY", fc.Widget.DefaultCity)
	if cfg.DefaultCity == "" {
		cfg.DefaultCity = "London"
	}
	cfg.UpdateIntervalMinutes = fc.Widget.UpdateIntervalMinutes
	if cfg.UpdateIntervalMinutes == 0 {
		cfg.UpdateIntervalMinutes = 10
	}
	cfg.Units = models.Units(strings.ToLower(strings.TrimSpace(fc.Widget.Units)))
	if cfg.Units == "" {
		cfg.Units = models.UnitsMetric
	}
	cfg.PipelineTimeout = parseDuration(fc.Widget.PipelineTimeout, 2*time.Minute)

	cfg.LocationMode = strings.ToLower(envOr("LOCATION_MODE", fc.Location.Mode))
	if cfg.LocationMode == "" {
		cfg.LocationMode = location.ModeNone
	}
	cfg.LocationLatitude = fc.Location.Latitude
	cfg.LocationLongitude = fc.Location.Longitude
	cfg.LocationIPURL = fc.Location.IPURL
	if cfg.LocationIPURL == "" {
		cfg.LocationIPURL = location.DefaultIPLookupURL
	}
	cfg.LocationTimeout = parseDuration(fc.Location.Timeout, 5*time.Second)
	cfg.LocationRetryDelay = parseDuration(fc.Location.RetryDelay, time.Second)
	cfg.LocationPrimaryTimeout = parseDuration(fc.Location.PrimaryTimeout, 30*time.Second)
	cfg.LocationFallbackTimeout = parseDuration(fc.Location.FallbackTimeout, 15*time.Second)

	cfg.StorageBackend = strings.ToLower(envOr("STORAGE_BACKEND", fc.Storage.Backend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = storage.BackendInMemory
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Storage.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Storage.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Storage.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = envOr("REDIS_ADDR", fc.Storage.Redis.Addr)
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	cfg.RedisPassword = envOr("REDIS_PASSWORD", fc.Storage.Redis.Password)
	cfg.RedisDB = fc.Storage.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Storage.Redis.Timeout, 500*time.Millisecond)

	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreakerEnabled != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreakerEnabled
	}
	cfg.CircuitBreakerFailures = fc.Reliability.CircuitBreakerFailures
	if cfg.CircuitBreakerFailures <= 0 {
		cfg.CircuitBreakerFailures = 5
	}
	cfg.CircuitBreakerOpenTimeout = parseDuration(fc.Reliability.CircuitBreakerOpenTimeout, 30*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 1
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 5
	}

	cfg.HealthFailureWindow = parseDuration(fc.Health.FailureWindow, 15*time.Minute)
	cfg.HealthFailurePct = fc.Health.FailurePct
	if cfg.HealthFailurePct <= 0 {
		cfg.HealthFailurePct = 50
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return sec.WeatherAPIKey, nil
}

// envOr returns the trimmed env var if set, otherwise the trimmed fallback.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate checks loaded values and normalizes the ones it can.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}

	city, err := validation.ValidateCity(cfg.DefaultCity)
	if err != nil {
		return fmt.Errorf("widget.default_city: %w", err)
	}
	cfg.DefaultCity = city

	if cfg.UpdateIntervalMinutes < 1 {
		return fmt.Errorf("widget.update_interval_minutes must be at least 1, got %d", cfg.UpdateIntervalMinutes)
	}
	if !cfg.Units.Valid() {
		return fmt.Errorf("widget.units must be metric, imperial or kelvin, got %q", cfg.Units)
	}

	switch cfg.LocationMode {
	case location.ModeNone, location.ModeIP, location.ModeDenied:
	case location.ModeStatic:
		if cfg.LocationLatitude < -90 || cfg.LocationLatitude > 90 ||
			cfg.LocationLongitude < -180 || cfg.LocationLongitude > 180 {
			return fmt.Errorf("location coordinates out of range: %s,%s",
				strconv.FormatFloat(cfg.LocationLatitude, 'f', -1, 64),
				strconv.FormatFloat(cfg.LocationLongitude, 'f', -1, 64))
		}
	default:
		return fmt.Errorf("location.mode must be none, static, ip or denied, got %q", cfg.LocationMode)
	}

	switch cfg.StorageBackend {
	case storage.BackendInMemory, storage.BackendMemcached, storage.BackendRedis:
	default:
		return fmt.Errorf("storage.backend must be in_memory, memcached or redis, got %q", cfg.StorageBackend)
	}

	if cfg.HealthFailurePct > 100 {
		return fmt.Errorf("health.failure_pct must be at most 100, got %d", cfg.HealthFailurePct)
	}
	return nil
}
