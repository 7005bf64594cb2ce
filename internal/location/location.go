package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget-service/internal/models"
	"github.com/kjstillabower/weather-widget-service/internal/observability"
)

var (
	ErrSensorUnsupported   = errors.New("geolocation is not supported on this device")
	ErrPermissionDenied    = errors.New("location access denied by user")
	ErrPositionUnavailable = errors.New("location information unavailable")
	ErrTimeout             = errors.New("location request timed out")
)

// ErrorCode classifies a failed position request.
type ErrorCode int

const (
	PermissionDenied ErrorCode = iota + 1
	PositionUnavailable
	Timeout
)

func (c ErrorCode) String() string {
	switch c {
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// PositionError is returned by sensors and by Resolver. It unwraps to the
// sentinel matching its code, so callers can use errors.Is.
type PositionError struct {
	Code    ErrorCode
	Message string
}

func (e *PositionError) Error() string {
	base := e.Unwrap().Error()
	if e.Message == "" {
		return base
	}
	return base + ": " + e.Message
}

func (e *PositionError) Unwrap() error {
	switch e.Code {
	case PermissionDenied:
		return ErrPermissionDenied
	case Timeout:
		return ErrTimeout
	default:
		return ErrPositionUnavailable
	}
}

// PositionOptions mirrors the knobs of a platform position request.
// MaximumAge is how old a previously acquired fix may be and still be returned.
type PositionOptions struct {
	EnableHighAccuracy bool
	Timeout            time.Duration
	MaximumAge         time.Duration
}

// Sensor acquires the device position. Failures should be *PositionError.
type Sensor interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (models.Coordinates, error)
}

// Policy is the two-tier acquisition strategy: one Primary attempt, then after
// RetryDelay at most one Fallback attempt. Permission denial is never retried.
type Policy struct {
	Primary    PositionOptions
	Fallback   PositionOptions
	RetryDelay time.Duration
}

// DefaultPolicy prefers a high-accuracy fix and falls back to a quicker coarse one.
func DefaultPolicy() Policy {
	return Policy{
		Primary: PositionOptions{
			EnableHighAccuracy: true,
			Timeout:            30 * time.Second,
			MaximumAge:         2 * time.Minute,
		},
		Fallback: PositionOptions{
			EnableHighAccuracy: false,
			Timeout:            15 * time.Second,
			MaximumAge:         5 * time.Minute,
		},
		RetryDelay: time.Second,
	}
}

// Resolver turns a Sensor into a single Resolve call that applies a Policy.
type Resolver struct {
	sensor Sensor
	policy Policy
	logger *zap.Logger
}

// NewResolver creates a Resolver. A nil sensor means the platform has no
// positioning support and every Resolve fails with ErrSensorUnsupported.
func NewResolver(sensor Sensor, policy Policy, logger *zap.Logger) *Resolver {
	return &Resolver{
		sensor: sensor,
		policy: policy,
		logger: observability.OrNop(logger),
	}
}

// Policy returns the acquisition policy in use.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve returns the current coordinates or a classified error.
func (r *Resolver) Resolve(ctx context.Context) (models.Coordinates, error) {
	if r.sensor == nil {
		return models.Coordinates{}, ErrSensorUnsupported
	}

	coords, err := r.attempt(ctx, "primary", r.policy.Primary)
	if err == nil {
		return coords, nil
	}
	if errors.Is(err, ErrPermissionDenied) {
		return models.Coordinates{}, err
	}

	r.logger.Info("retrying location with fallback options", zap.Duration("delay", r.policy.RetryDelay))
	timer := time.NewTimer(r.policy.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return models.Coordinates{}, &PositionError{Code: Timeout, Message: ctx.Err().Error()}
	case <-timer.C:
	}

	return r.attempt(ctx, "fallback", r.policy.Fallback)
}

type fix struct {
	coords models.Coordinates
	err    error
}

// attempt runs one sensor request bounded by opts.Timeout, even if the sensor
// itself ignores its context.
func (r *Resolver) attempt(ctx context.Context, tier string, opts PositionOptions) (models.Coordinates, error) {
	attemptCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	done := make(chan fix, 1)
	go func() {
		c, err := r.sensor.CurrentPosition(attemptCtx, opts)
		done <- fix{coords: c, err: err}
	}()

	var result fix
	select {
	case result = <-done:
	case <-attemptCtx.Done():
		result = fix{err: attemptCtx.Err()}
	}

	if result.err == nil {
		observability.LocationAttemptsTotal.WithLabelValues(tier, "success").Inc()
		return result.coords, nil
	}

	perr := classify(result.err)
	observability.LocationAttemptsTotal.WithLabelValues(tier, perr.Code.String()).Inc()
	r.logger.Warn("location attempt failed",
		zap.String("tier", tier),
		zap.Bool("high_accuracy", opts.EnableHighAccuracy),
		zap.String("code", perr.Code.String()),
		zap.Error(result.err))
	return models.Coordinates{}, perr
}

func classify(err error) *PositionError {
	var perr *PositionError
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &PositionError{Code: PermissionDenied}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return &PositionError{Code: Timeout}
	default:
		return &PositionError{Code: PositionUnavailable, Message: fmt.Sprint(err)}
	}
}
