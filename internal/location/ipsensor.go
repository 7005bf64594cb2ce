package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kjstillabower/weather-widget-service/internal/models"
)

// DefaultIPLookupURL returns the caller's approximate position as {status, message, lat, lon}.
const DefaultIPLookupURL = "http://ip-api.com/json/?fields=status,message,lat,lon"

// IPSensor estimates position from the host's public IP address.
// It has a single accuracy level, so EnableHighAccuracy is ignored; MaximumAge
// is honoured by reusing the last successful fix.
type IPSensor struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	last   models.Coordinates
	lastAt time.Time
}

// NewIPSensor creates an IPSensor querying url (DefaultIPLookupURL when empty).
func NewIPSensor(url string, timeout time.Duration) *IPSensor {
	if url == "" {
		url = DefaultIPLookupURL
	}
	return &IPSensor{
		url:    url,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

type ipLookupResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// CurrentPosition implements Sensor.
func (s *IPSensor) CurrentPosition(ctx context.Context, opts PositionOptions) (models.Coordinates, error) {
	if c, ok := s.cached(opts.MaximumAge); ok {
		return c, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return models.Coordinates{}, &PositionError{Code: PositionUnavailable, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return models.Coordinates{}, &PositionError{Code: Timeout, Message: err.Error()}
		}
		return models.Coordinates{}, &PositionError{Code: PositionUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.Coordinates{}, &PositionError{Code: PermissionDenied, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return models.Coordinates{}, &PositionError{Code: PositionUnavailable, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	var body ipLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Coordinates{}, &PositionError{Code: PositionUnavailable, Message: "parse response: " + err.Error()}
	}
	if body.Status != "" && body.Status != "success" {
		return models.Coordinates{}, &PositionError{Code: PositionUnavailable, Message: body.Message}
	}

	c := models.Coordinates{Latitude: body.Lat, Longitude: body.Lon}
	s.mu.Lock()
	s.last, s.lastAt = c, s.now()
	s.mu.Unlock()
	return c, nil
}

func (s *IPSensor) cached(maxAge time.Duration) (models.Coordinates, bool) {
	if maxAge <= 0 {
		return models.Coordinates{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAt.IsZero() || s.now().Sub(s.lastAt) > maxAge {
		return models.Coordinates{}, false
	}
	return s.last, true
}
