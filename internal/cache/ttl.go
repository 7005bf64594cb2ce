package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget-service/internal/models"
	"github.com/kjstillabower/weather-widget-service/internal/observability"
	"github.com/kjstillabower/weather-widget-service/internal/storage"
)

// DefaultKey is the persistence key holding the cached weather record.
const DefaultKey = "weather-data"

// TTLStore keeps a single weather record in a Persistence backend and answers
// whether it is still fresh. Freshness is derived from the record's own
// LastUpdated; nothing about expiry is stored.
//
// TTLStore never returns errors. Persistence failures are logged, counted and
// treated as a miss: the cache is an optimization, not a source of truth.
type TTLStore struct {
	persist storage.Persistence
	key     string
	logger  *zap.Logger
	now     func() time.Time
}

// NewTTLStore creates a TTLStore over persist using DefaultKey.
func NewTTLStore(persist storage.Persistence, logger *zap.Logger) *TTLStore {
	return &TTLStore{
		persist: persist,
		key:     DefaultKey,
		logger:  observability.OrNop(logger),
		now:     time.Now,
	}
}

// Read returns the stored record if now - LastUpdated < interval.
// A stale or undecodable record is removed from storage and reported as a miss.
func (s *TTLStore) Read(ctx context.Context, interval time.Duration) (models.WeatherRecord, bool) {
	raw, ok, err := s.persist.Get(ctx, s.key)
	if err != nil {
		s.absorb("get", err)
		observability.CacheReadsTotal.WithLabelValues("error").Inc()
		return models.WeatherRecord{}, false
	}
	if !ok {
		observability.CacheReadsTotal.WithLabelValues("miss").Inc()
		return models.WeatherRecord{}, false
	}

	var record models.WeatherRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		s.absorb("decode", err)
		s.remove(ctx)
		observability.CacheReadsTotal.WithLabelValues("error").Inc()
		return models.WeatherRecord{}, false
	}

	age := record.Age(s.now())
	if age >= interval {
		s.logger.Debug("cached weather expired", zap.Duration("age", age), zap.Duration("interval", interval))
		s.remove(ctx)
		observability.CacheReadsTotal.WithLabelValues("expired").Inc()
		return models.WeatherRecord{}, false
	}

	observability.CacheReadsTotal.WithLabelValues("hit").Inc()
	s.logger.Debug("cache hit", zap.String("city", record.CityName), zap.Duration("age", age))
	return record, true
}

// Write replaces any stored record unconditionally.
func (s *TTLStore) Write(ctx context.Context, record models.WeatherRecord) {
	raw, err := json.Marshal(record)
	if err != nil {
		s.absorb("encode", err)
		return
	}
	if err := s.persist.Set(ctx, s.key, string(raw)); err != nil {
		s.absorb("set", err)
	}
}

func (s *TTLStore) remove(ctx context.Context) {
	if err := s.persist.Remove(ctx, s.key); err != nil {
		s.absorb("remove", err)
	}
}

func (s *TTLStore) absorb(op string, err error) {
	observability.CacheErrorsTotal.WithLabelValues(op).Inc()
	s.logger.Warn("weather cache error", zap.String("op", op), zap.Error(err))
}
