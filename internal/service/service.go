package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-widget-service/internal/client"
	"github.com/kjstillabower/weather-widget-service/internal/models"
	"github.com/kjstillabower/weather-widget-service/internal/observability"
	"github.com/kjstillabower/weather-widget-service/internal/traffic"
)

// DefaultPipelineTimeout bounds one acquisition run (location + up to two fetches).
const DefaultPipelineTimeout = 2 * time.Minute

const pipelineKey = "weather"

var (
	ErrClosed          = errors.New("weather service is closed")
	ErrInvalidInterval = errors.New("update interval must be at least 1 minute")
)

// LocationResolver yields the device position.
type LocationResolver interface {
	Resolve(ctx context.Context) (models.Coordinates, error)
}

// WeatherFetcher retrieves a normalized record from the provider.
type WeatherFetcher interface {
	FetchByCoordinates(ctx context.Context, coords models.Coordinates) (models.WeatherRecord, error)
	FetchByCity(ctx context.Context, city string) (models.WeatherRecord, error)
}

// RecordCache stores the last good record. It never fails.
type RecordCache interface {
	Read(ctx context.Context, interval time.Duration) (models.WeatherRecord, bool)
	Write(ctx context.Context, record models.WeatherRecord)
}

// RefreshScheduler runs fn every interval with at most one job armed.
type RefreshScheduler interface {
	Arm(interval time.Duration, fn func()) error
	Disarm()
	Stop()
	Armed() bool
}

// Settings are supplied once at construction.
type Settings struct {
	APIKey                string       `validate:"required"`
	DefaultCity           string       `validate:"required"`
	UpdateIntervalMinutes int          `validate:"min=1"`
	Units                 models.Units `validate:"oneof=metric imperial kelvin"`
	PipelineTimeout       time.Duration
}

var validate = validator.New()

// Validate checks settings before the service is built.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Dependencies are the collaborators the service orchestrates.
type Dependencies struct {
	Resolver  LocationResolver
	Fetcher   WeatherFetcher
	Cache     RecordCache
	Scheduler RefreshScheduler
	Tracker   *traffic.Tracker
}

// Phase is the acquisition state shown to readers.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Snapshot is the read model: the last good record stays visible while a
// refresh is loading or after it failed.
type Snapshot struct {
	Phase       Phase
	Weather     *models.WeatherRecord
	IsLoading   bool
	Error       string
	LastUpdated *time.Time
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	var errMsg *string
	if s.Error != "" {
		errMsg = &s.Error
	}
	return json.Marshal(struct {
		Weather     *models.WeatherRecord `json:"weather"`
		IsLoading   bool                  `json:"isLoading"`
		Error       *string               `json:"error"`
		LastUpdated *time.Time            `json:"lastUpdated"`
		Phase       Phase                 `json:"phase"`
	}{s.Weather, s.IsLoading, errMsg, s.LastUpdated, s.Phase})
}

type outcome string

const (
	outcomeSuccess  outcome = "success"
	outcomeFallback outcome = "fallback"
	outcomeFailure  outcome = "failure"
)

// WeatherService keeps one weather record current: it serves the cached
// record when fresh, otherwise resolves the device location, fetches by
// coordinates and falls back to the default city. A scheduler repeats the
// acquisition every update interval.
type WeatherService struct {
	settings  Settings
	resolver  LocationResolver
	fetcher   WeatherFetcher
	cache     RecordCache
	scheduler RefreshScheduler
	tracker   *traffic.Tracker
	logger    *zap.Logger

	flight   singleflight.Group
	initOnce sync.Once

	mu          sync.RWMutex
	phase       Phase
	record      *models.WeatherRecord
	loading     bool
	errMsg      string
	lastUpdated *time.Time
	interval    time.Duration
	disposed    bool

	// lifeMu is held for writing by Close and for reading around side
	// effects that must not happen after it: cache writes and arming.
	lifeMu    sync.RWMutex
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewWeatherService validates settings and wires the collaborators.
// Nothing runs until Initialize.
func NewWeatherService(settings Settings, deps Dependencies, logger *zap.Logger) (*WeatherService, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if deps.Fetcher == nil || deps.Cache == nil || deps.Scheduler == nil {
		return nil, errors.New("fetcher, cache and scheduler are required")
	}
	if settings.PipelineTimeout == 0 {
		settings.PipelineTimeout = DefaultPipelineTimeout
	}
	if deps.Tracker == nil {
		deps.Tracker = traffic.NewTracker(0)
	}

	return &WeatherService{
		settings:  settings,
		resolver:  deps.Resolver,
		fetcher:   deps.Fetcher,
		cache:     deps.Cache,
		scheduler: deps.Scheduler,
		tracker:   deps.Tracker,
		logger:    observability.OrNop(logger),
		phase:     PhaseIdle,
		loading:   true,
		interval:  time.Duration(settings.UpdateIntervalMinutes) * time.Minute,
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Initialize serves a fresh cached record without any network call, or runs
// the acquisition pipeline. Either way the refresh scheduler is armed
// afterwards. Only the first call does anything.
func (s *WeatherService) Initialize(ctx context.Context) Snapshot {
	s.initOnce.Do(func() {
		s.initialize(ctx)
	})
	return s.Snapshot()
}

func (s *WeatherService) initialize(ctx context.Context) {
	if s.closed.Load() {
		return
	}
	observability.SetRecordAgeSource(s.recordAge)

	if rec, ok := s.cache.Read(ctx, s.Interval()); ok {
		s.logger.Info("serving cached weather",
			zap.String("city", rec.CityName),
			zap.Duration("age", rec.Age(s.now())))
		s.update(func() {
			s.setReadyLocked(rec)
			s.loading = false
		})
	} else {
		s.run(ctx)
	}

	s.arm()
}

// Refresh runs the pipeline, or joins the run already in flight. It does not
// touch the scheduler. If ctx ends first, the current snapshot is returned
// and the run continues in the background.
func (s *WeatherService) Refresh(ctx context.Context) Snapshot {
	return s.run(ctx)
}

// SetUpdateInterval changes the freshness window and, if the scheduler is
// armed, re-arms it with the new period. It never fetches.
func (s *WeatherService) SetUpdateInterval(minutes int) error {
	if err := validate.Var(minutes, "min=1"); err != nil {
		return fmt.Errorf("%w: got %d", ErrInvalidInterval, minutes)
	}
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}

	interval := time.Duration(minutes) * time.Minute
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	if !s.scheduler.Armed() {
		return nil
	}
	if err := s.scheduler.Arm(interval, s.tick); err != nil {
		return fmt.Errorf("re-arm scheduler: %w", err)
	}
	s.logger.Info("update interval changed", zap.Int("minutes", minutes))
	return nil
}

// Interval returns the current update interval.
func (s *WeatherService) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// Close stops the scheduler. Runs still in flight finish, but neither their
// cache write nor their state update takes effect.
func (s *WeatherService) Close() {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.closed.Store(true)
		s.mu.Lock()
		s.disposed = true
		s.mu.Unlock()
		s.lifeMu.Unlock()
		close(s.done)
		s.scheduler.Stop()
		s.logger.Info("weather service closed")
	})
}

// Closed reports whether Close was called.
func (s *WeatherService) Closed() bool {
	return s.closed.Load()
}

// Snapshot returns a copy of the current read model.
func (s *WeatherService) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Phase:     s.phase,
		IsLoading: s.loading,
		Error:     s.errMsg,
	}
	if s.record != nil {
		rec := *s.record
		snap.Weather = &rec
	}
	if s.lastUpdated != nil {
		t := *s.lastUpdated
		snap.LastUpdated = &t
	}
	return snap
}

// recordAge is the age in seconds of the displayed record, 0 when there is none.
func (s *WeatherService) recordAge() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.record == nil {
		return 0
	}
	return s.record.Age(s.now()).Seconds()
}

// Outcomes returns pipeline outcome counts within window.
func (s *WeatherService) Outcomes(window time.Duration) traffic.Counts {
	return s.tracker.Counts(window)
}

// FailureRate returns the share of failed pipeline runs within window.
func (s *WeatherService) FailureRate(window time.Duration) float64 {
	return s.tracker.FailureRate(window)
}

// SchedulerArmed reports whether periodic refresh is active.
func (s *WeatherService) SchedulerArmed() bool {
	return s.scheduler.Armed()
}

func (s *WeatherService) arm() {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	if s.closed.Load() {
		return
	}
	if err := s.scheduler.Arm(s.Interval(), s.tick); err != nil {
		s.logger.Error("failed to arm refresh scheduler", zap.Error(err))
	}
}

// tick is the scheduler callback. It returns early on Close so that stopping
// the scheduler does not wait for a slow run.
func (s *WeatherService) tick() {
	if s.closed.Load() {
		return
	}
	ch := s.flight.DoChan(pipelineKey, s.pipelineFunc(context.Background()))
	select {
	case <-ch:
	case <-s.done:
	}
}

func (s *WeatherService) run(ctx context.Context) Snapshot {
	if s.closed.Load() {
		return s.Snapshot()
	}

	var started atomic.Bool
	fn := s.pipelineFunc(ctx)
	ch := s.flight.DoChan(pipelineKey, func() (interface{}, error) {
		started.Store(true)
		return fn()
	})

	select {
	case <-ch:
		if !started.Load() {
			observability.PipelineCoalescedTotal.Inc()
			s.logger.Debug("joined in-flight weather refresh")
		}
	case <-ctx.Done():
	case <-s.done:
	}
	return s.Snapshot()
}

// pipelineFunc binds one run to ctx's values but not its cancellation, so
// a caller giving up does not abort a run other callers have joined.
func (s *WeatherService) pipelineFunc(ctx context.Context) func() (interface{}, error) {
	return func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settings.PipelineTimeout)
		defer cancel()
		s.pipeline(runCtx)
		return nil, nil
	}
}

func (s *WeatherService) pipeline(ctx context.Context) {
	start := time.Now()
	if !s.update(func() {
		s.phase = PhaseLoading
		s.loading = true
		s.errMsg = ""
	}) {
		return
	}

	rec, result, err := s.acquire(ctx)

	observability.PipelineRunsTotal.WithLabelValues(string(result)).Inc()
	observability.PipelineDuration.Observe(time.Since(start).Seconds())

	if s.closed.Load() {
		s.logger.Debug("discarding weather result after close")
		return
	}

	if err != nil {
		s.tracker.RecordFailure()
		msg := client.UserMessage(err)
		s.logger.Warn("weather refresh failed",
			zap.Error(err),
			zap.String("category", string(client.CategorizeError(err))))
		s.update(func() {
			s.phase = PhaseFailed
			s.errMsg = msg
			s.loading = false
		})
		return
	}

	if result == outcomeFallback {
		s.tracker.RecordFallback()
	} else {
		s.tracker.RecordSuccess()
	}

	if !s.commit(ctx, rec) {
		s.logger.Debug("discarding weather result after close")
		return
	}
	s.logger.Info("weather refreshed",
		zap.String("city", rec.CityName),
		zap.String("source", string(result)),
		zap.Duration("duration", time.Since(start)))
}

// acquire resolves the position and fetches by coordinates. Any failure on
// that path falls back to the default city; only a fallback failure is
// returned.
func (s *WeatherService) acquire(ctx context.Context) (models.WeatherRecord, outcome, error) {
	if s.resolver != nil {
		coords, err := s.resolver.Resolve(ctx)
		if err == nil {
			rec, fetchErr := s.fetcher.FetchByCoordinates(ctx, coords)
			if fetchErr == nil {
				return rec, outcomeSuccess, nil
			}
			s.logger.Warn("coordinate fetch failed, using default city",
				zap.Error(fetchErr),
				zap.String("default_city", s.settings.DefaultCity))
		} else {
			s.logger.Warn("location unavailable, using default city",
				zap.Error(err),
				zap.String("default_city", s.settings.DefaultCity))
		}
	}

	rec, err := s.fetcher.FetchByCity(ctx, s.settings.DefaultCity)
	if err != nil {
		return models.WeatherRecord{}, outcomeFailure, err
	}
	return rec, outcomeFallback, nil
}

// commit writes rec to the cache and publishes it, unless Close got there
// first. Close cannot start until both steps are done.
func (s *WeatherService) commit(ctx context.Context, rec models.WeatherRecord) bool {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	if s.closed.Load() {
		return false
	}
	s.cache.Write(ctx, rec)
	return s.update(func() {
		s.setReadyLocked(rec)
		s.loading = false
	})
}

// update applies fn under the write lock unless the service is disposed.
func (s *WeatherService) update(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return false
	}
	fn()
	return true
}

func (s *WeatherService) setReadyLocked(rec models.WeatherRecord) {
	s.phase = PhaseReady
	s.record = &rec
	s.errMsg = ""
	t := rec.UpdatedAt()
	s.lastUpdated = &t
}
