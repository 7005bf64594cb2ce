package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/weather-widget-service/internal/observability"
)

// InFlightTracker counts requests currently being served so shutdown can
// wait for them. The zero value is ready to use.
type InFlightTracker struct {
	count atomic.Int64
}

func (t *InFlightTracker) Increment() {
	t.count.Add(1)
	observability.HTTPRequestsInFlight.Inc()
}

func (t *InFlightTracker) Decrement() {
	t.count.Add(-1)
	observability.HTTPRequestsInFlight.Dec()
}

func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero blocks until the in-flight count reaches zero or ctx is cancelled.
// checkInterval is how often to re-check the count.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
