package traffic

import (
	"sync"
	"time"
)

// DefaultRetention bounds how long outcomes are kept.
const DefaultRetention = 15 * time.Minute

// Counts are pipeline outcomes inside a window.
type Counts struct {
	Success  int `json:"success"`
	Fallback int `json:"fallback"`
	Failure  int `json:"failure"`
}

// Total returns the number of outcomes in the window.
func (c Counts) Total() int {
	return c.Success + c.Fallback + c.Failure
}

// Tracker maintains sliding windows of pipeline outcome timestamps.
// Success means the located fetch worked, fallback means the default city
// was used, failure means no data was obtained.
type Tracker struct {
	mu            sync.Mutex
	retention     time.Duration
	now           func() time.Time
	successTimes  []time.Time
	fallbackTimes []time.Time
	failureTimes  []time.Time
}

// NewTracker returns a tracker that drops outcomes older than retention.
// A non-positive retention uses DefaultRetention.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

func (t *Tracker) RecordFallback() {
	t.recordOutcome(&t.fallbackTimes)
}

func (t *Tracker) RecordFailure() {
	t.recordOutcome(&t.failureTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Counts returns outcome counts within the window.
func (t *Tracker) Counts(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return Counts{
		Success:  countInWindow(t.successTimes, cutoff),
		Fallback: countInWindow(t.fallbackTimes, cutoff),
		Failure:  countInWindow(t.failureTimes, cutoff),
	}
}

// FailureRate returns failures over total outcomes in the window, or 0 with no outcomes.
func (t *Tracker) FailureRate(window time.Duration) float64 {
	c := t.Counts(window)
	if c.Total() == 0 {
		return 0
	}
	return float64(c.Failure) / float64(c.Total())
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.fallbackTimes = nil
	t.failureTimes = nil
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.fallbackTimes)
	prune(&t.failureTimes)
}
