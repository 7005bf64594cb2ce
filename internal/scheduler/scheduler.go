package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget-service/internal/observability"
)

var ErrInvalidInterval = errors.New("refresh interval must be positive")

// Scheduler runs a single repeating refresh job. Re-arming replaces the
// previous job, so at most one job is registered at a time.
type Scheduler struct {
	mu       sync.Mutex
	cron     *gocron.Scheduler
	job      *gocron.Job
	interval time.Duration
	logger   *zap.Logger
}

// New starts an empty gocron scheduler.
func New(logger *zap.Logger) *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	cron.StartAsync()
	return &Scheduler{
		cron:   cron,
		logger: observability.OrNop(logger),
	}
}

// Arm replaces any armed job with one that calls fn every interval.
// The first call happens one full interval after arming.
func (s *Scheduler) Arm(interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked()

	job, err := s.cron.Every(interval).WaitForSchedule().Do(func() {
		observability.SchedulerTicksTotal.Inc()
		fn()
	})
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	s.job = job
	s.interval = interval
	observability.SchedulerArmsTotal.Inc()
	s.logger.Debug("refresh scheduled", zap.Duration("interval", interval))
	return nil
}

// Disarm removes the armed job, if any.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
}

func (s *Scheduler) disarmLocked() {
	if s.job == nil {
		return
	}
	s.cron.RemoveByReference(s.job)
	s.job = nil
	s.interval = 0
}

// Stop disarms and stops the underlying scheduler. It waits for a running
// job to return.
func (s *Scheduler) Stop() {
	s.Disarm()
	s.cron.Stop()
}

func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job != nil
}

// Interval returns the armed interval, or 0 when disarmed.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Len reports registered jobs.
func (s *Scheduler) Len() int {
	return s.cron.Len()
}
