package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-widget-service/internal/models"
	"github.com/kjstillabower/weather-widget-service/internal/observability"
)

// WeatherClient fetches current weather either for a position or for a city name.
type WeatherClient interface {
	FetchByCoordinates(ctx context.Context, coords models.Coordinates) (models.WeatherRecord, error)
	FetchByCity(ctx context.Context, city string) (models.WeatherRecord, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidArgument = errors.New("either coordinates or city name must be provided")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrCityNotFound    = errors.New("city not found")
	ErrProviderFailure = errors.New("weather service error")
	ErrNetwork         = errors.New("network error")
	ErrCircuitOpen     = errors.New("weather service temporarily unavailable")
)

// ProviderError is a non-2xx response not covered by a more specific error.
type ProviderError struct {
	StatusCode int
	Status     string
}

func (e *ProviderError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: %s", ErrProviderFailure, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d", ErrProviderFailure, e.StatusCode)
}

func (e *ProviderError) Unwrap() error { return ErrProviderFailure }

// CityNotFoundError is a 404 for a city query.
type CityNotFoundError struct {
	City string
}

func (e *CityNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q", ErrCityNotFound, e.City)
}

func (e *CityNotFoundError) Unwrap() error { return ErrCityNotFound }

// Query selects what to fetch. Exactly one of Coordinates or City must be set.
type Query struct {
	Coordinates *models.Coordinates
	City        string
}

func (q Query) kind() string {
	if q.Coordinates != nil {
		return "coordinates"
	}
	return "city"
}

func (q Query) validate() error {
	hasCity := strings.TrimSpace(q.City) != ""
	if (q.Coordinates != nil) == hasCity {
		return ErrInvalidArgument
	}
	return nil
}

// OpenWeatherClient calls the OpenWeatherMap current-weather endpoint.
// It never retries; callers decide how to recover.
type OpenWeatherClient struct {
	apiKey  string
	apiURL  string
	units   models.Units
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewOpenWeatherClient(apiKey, apiURL string, units models.Units, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if units == "" {
		units = models.UnitsMetric
	}
	if !units.Valid() {
		return nil, fmt.Errorf("unsupported units %q", units)
	}

	return &OpenWeatherClient{
		apiKey:  apiKey,
		apiURL:  apiURL,
		units:   units,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}, nil
}

// BreakerConfig configures the optional circuit breaker around provider calls.
type BreakerConfig struct {
	FailureThreshold uint32
	HalfOpenRequests uint32
	OpenTimeout      time.Duration
	OnStateChange    func(from, to string)
}

// EnableCircuitBreaker makes the client fail fast with ErrCircuitOpen after
// FailureThreshold consecutive upstream failures. Only 5xx responses and
// transport errors count; a bad key or unknown city does not trip it.
func (c *OpenWeatherClient) EnableCircuitBreaker(cfg BreakerConfig) {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !tripsBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
	})
}

func tripsBreaker(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.StatusCode >= 500 || perr.StatusCode == http.StatusTooManyRequests
	}
	return errors.Is(err, ErrNetwork)
}

type openWeatherResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
		Pressure  float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Visibility float64 `json:"visibility"`
	Sys        struct {
		Sunrise int64 `json:"sunrise"`
		Sunset  int64 `json:"sunset"`
	} `json:"sys"`
	Timezone *int `json:"timezone"`
}

// FetchByCoordinates fetches weather at a position.
func (c *OpenWeatherClient) FetchByCoordinates(ctx context.Context, coords models.Coordinates) (models.WeatherRecord, error) {
	return c.Fetch(ctx, Query{Coordinates: &coords})
}

// FetchByCity fetches weather for a free-text city name.
func (c *OpenWeatherClient) FetchByCity(ctx context.Context, city string) (models.WeatherRecord, error) {
	return c.Fetch(ctx, Query{City: city})
}

// Fetch performs one provider call for q and normalizes the response.
func (c *OpenWeatherClient) Fetch(ctx context.Context, q Query) (models.WeatherRecord, error) {
	if err := q.validate(); err != nil {
		return models.WeatherRecord{}, err
	}
	if c.breaker == nil {
		return c.callAPI(ctx, q)
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		rec, err := c.callAPI(ctx, q)
		return rec, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.WeatherRecord{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		return models.WeatherRecord{}, err
	}
	return v.(models.WeatherRecord), nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, q Query) (models.WeatherRecord, error) {
	start := time.Now()
	kind := q.kind()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, q)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(kind, "error").Inc()
		return models.WeatherRecord{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(kind, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.WeatherRecord{}, fmt.Errorf("%w: request timeout: %v", ErrNetwork, err)
		}
		return models.WeatherRecord{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(kind, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp, q); err != nil {
		return models.WeatherRecord{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.WeatherRecord{}, fmt.Errorf("%w: read response body: %v", ErrNetwork, err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.WeatherRecord{}, fmt.Errorf("parse response: %w", err)
	}

	return c.mapResponse(apiResp), nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, q Query) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	if q.Coordinates != nil {
		params.Set("lat", strconv.FormatFloat(q.Coordinates.Latitude, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(q.Coordinates.Longitude, 'f', -1, 64))
	} else {
		params.Set("q", strings.TrimSpace(q.City))
	}
	params.Set("appid", c.apiKey)
	params.Set("units", c.units.ProviderValue())
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(resp *http.Response, q Query) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case resp.StatusCode == http.StatusNotFound && q.Coordinates == nil:
		return &CityNotFoundError{City: strings.TrimSpace(q.City)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &ProviderError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func (c *OpenWeatherClient) mapResponse(apiResp openWeatherResponse) models.WeatherRecord {
	var condition, description, icon string
	if len(apiResp.Weather) > 0 {
		condition = apiResp.Weather[0].Main
		description = apiResp.Weather[0].Description
		icon = apiResp.Weather[0].Icon
	}

	zone := time.Local
	if apiResp.Timezone != nil {
		zone = time.FixedZone("", *apiResp.Timezone)
	}

	return models.WeatherRecord{
		CityName:    apiResp.Name,
		Temperature: round(apiResp.Main.Temp),
		Condition:   condition,
		Description: description,
		Icon:        icon,
		IconURL:     models.IconURL(icon),
		Humidity:    round(apiResp.Main.Humidity),
		FeelsLike:   round(apiResp.Main.FeelsLike),
		WindSpeed:   round(c.windToKmh(apiResp.Wind.Speed)),
		Visibility:  round(apiResp.Visibility / 1000),
		Pressure:    round(apiResp.Main.Pressure),
		Sunrise:     formatClock(apiResp.Sys.Sunrise, zone),
		Sunset:      formatClock(apiResp.Sys.Sunset, zone),
		LastUpdated: c.now().UnixMilli(),
	}
}

// windToKmh converts provider wind speed to km/h. Imperial responses are in mph,
// the others in m/s.
func (c *OpenWeatherClient) windToKmh(speed float64) float64 {
	if c.units == models.UnitsImperial {
		return speed * 1.609344
	}
	return speed * 3.6
}

func round(v float64) int {
	return int(math.Round(v))
}

func formatClock(unix int64, zone *time.Location) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).In(zone).Format("3:04 PM")
}

// correlationIDKey matches the context key set by the HTTP middleware.
const correlationIDKey = "correlation_id"

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value(correlationIDKey); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey makes a lightweight call to confirm the key is accepted.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, Query{City: "London"})
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
