package location

import (
	"context"
	"fmt"
	"time"

	"github.com/kjstillabower/weather-widget-service/internal/models"
)

// Sensor modes accepted by config.
const (
	ModeNone   = "none"
	ModeStatic = "static"
	ModeIP     = "ip"
	ModeDenied = "denied"
)

// StaticSensor reports a fixed position, for devices that do not move.
type StaticSensor struct {
	Coordinates models.Coordinates
}

// CurrentPosition implements Sensor.
func (s StaticSensor) CurrentPosition(ctx context.Context, opts PositionOptions) (models.Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return models.Coordinates{}, err
	}
	return s.Coordinates, nil
}

// DeniedSensor models a user who refused location access.
type DeniedSensor struct{}

// CurrentPosition implements Sensor.
func (DeniedSensor) CurrentPosition(ctx context.Context, opts PositionOptions) (models.Coordinates, error) {
	return models.Coordinates{}, &PositionError{Code: PermissionDenied}
}

// NewSensor builds the sensor for a config mode. ModeNone yields a nil
// sensor, which Resolver reports as unsupported.
func NewSensor(mode string, coords models.Coordinates, ipURL string, timeout time.Duration) (Sensor, error) {
	switch mode {
	case ModeNone, "":
		return nil, nil
	case ModeStatic:
		return StaticSensor{Coordinates: coords}, nil
	case ModeIP:
		return NewIPSensor(ipURL, timeout), nil
	case ModeDenied:
		return DeniedSensor{}, nil
	}
	return nil, fmt.Errorf("unknown location mode %q", mode)
}
