package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/weather-widget-service/internal/models"
	"github.com/kjstillabower/weather-widget-service/internal/storage"
)

type failingPersistence struct {
	getErr    error
	setErr    error
	removeErr error
	value     string
	present   bool
	removed   int
}

func (f *failingPersistence) Get(ctx context.Context, key string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	return f.value, f.present, nil
}

func (f *failingPersistence) Set(ctx context.Context, key, value string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.value, f.present = value, true
	return nil
}

func (f *failingPersistence) Remove(ctx context.Context, key string) error {
	f.removed++
	if f.removeErr != nil {
		return f.removeErr
	}
	f.value, f.present = "", false
	return nil
}

func newRecord(updated time.Time) models.WeatherRecord {
	return models.WeatherRecord{
		CityName:    "London",
		Temperature: 14,
		Condition:   "Clouds",
		WindSpeed:   18,
		LastUpdated: updated.UnixMilli(),
	}
}

// TestTTLStore_WriteThenRead verifies that a freshly written record reads back
// for any positive interval.
func TestTTLStore_WriteThenRead(t *testing.T) {
	ctx := context.Background()
	for _, interval := range []time.Duration{time.Millisecond * 500, time.Minute, 30 * time.Minute} {
		s := NewTTLStore(storage.NewInMemoryStore(), nil)
		rec := newRecord(time.Now())
		s.Write(ctx, rec)

		got, ok := s.Read(ctx, interval)
		if !ok {
			t.Fatalf("Read(%v) ok = false, want true", interval)
		}
		if got != rec {
			t.Errorf("Read(%v) = %+v, want %+v", interval, got, rec)
		}
	}
}

func TestTTLStore_Read_Empty(t *testing.T) {
	s := NewTTLStore(storage.NewInMemoryStore(), nil)
	if _, ok := s.Read(context.Background(), time.Minute); ok {
		t.Error("Read() on empty store ok = true, want false")
	}
}

// TestTTLStore_Read_ExpiredIsRemoved verifies that a record whose age reaches
// the interval reads as a miss and is physically removed from persistence.
func TestTTLStore_Read_ExpiredIsRemoved(t *testing.T) {
	ctx := context.Background()
	persist := storage.NewInMemoryStore()
	s := NewTTLStore(persist, nil)

	base := time.Now()
	s.Write(ctx, newRecord(base))

	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	if _, ok := s.Read(ctx, 10*time.Minute); ok {
		t.Fatal("Read() at age == interval ok = true, want false")
	}
	if _, present, _ := persist.Get(ctx, DefaultKey); present {
		t.Error("expired record should be removed from persistence")
	}
}

func TestTTLStore_Read_JustBeforeExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewTTLStore(storage.NewInMemoryStore(), nil)

	base := time.Now()
	s.Write(ctx, newRecord(base))
	s.now = func() time.Time { return base.Add(10*time.Minute - time.Second) }
	if _, ok := s.Read(ctx, 10*time.Minute); !ok {
		t.Error("Read() just before expiry ok = false, want true")
	}
}

func TestTTLStore_Write_Replaces(t *testing.T) {
	ctx := context.Background()
	s := NewTTLStore(storage.NewInMemoryStore(), nil)
	first := newRecord(time.Now())
	second := newRecord(time.Now())
	second.CityName = "Paris"

	s.Write(ctx, first)
	s.Write(ctx, second)
	got, ok := s.Read(ctx, time.Minute)
	if !ok || got.CityName != "Paris" {
		t.Errorf("Read() = %+v, %v, want Paris record", got, ok)
	}
}

// TestTTLStore_PersistenceErrorsAbsorbed verifies that backend failures never
// escape: reads degrade to a miss and writes become no-ops.
func TestTTLStore_PersistenceErrorsAbsorbed(t *testing.T) {
	ctx := context.Background()
	p := &failingPersistence{getErr: errors.New("quota exceeded"), setErr: errors.New("quota exceeded")}
	s := NewTTLStore(p, nil)

	s.Write(ctx, newRecord(time.Now()))
	if _, ok := s.Read(ctx, time.Minute); ok {
		t.Error("Read() with failing backend ok = true, want false")
	}
}

func TestTTLStore_CorruptValueRemoved(t *testing.T) {
	p := &failingPersistence{value: "{not json", present: true}
	s := NewTTLStore(p, nil)

	if _, ok := s.Read(context.Background(), time.Minute); ok {
		t.Fatal("Read() of corrupt value ok = true, want false")
	}
	if p.removed != 1 || p.present {
		t.Errorf("corrupt value should be removed, removed=%d present=%v", p.removed, p.present)
	}
}

func TestTTLStore_RemoveErrorAbsorbed(t *testing.T) {
	p := &failingPersistence{value: "garbage", present: true, removeErr: errors.New("read-only")}
	s := NewTTLStore(p, nil)
	if _, ok := s.Read(context.Background(), time.Minute); ok {
		t.Error("Read() ok = true, want false")
	}
}
