package models

import (
	"fmt"
	"time"
)

// Coordinates is a position reported by a location sensor. Never persisted.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Units selects the unit system requested from the weather provider.
type Units string

const (
	UnitsMetric   Units = "metric"
	UnitsImperial Units = "imperial"
	UnitsKelvin   Units = "kelvin"
)

// ProviderValue returns the value sent as the provider's units parameter.
// The provider calls kelvin output "standard".
func (u Units) ProviderValue() string {
	if u == UnitsKelvin {
		return "standard"
	}
	return string(u)
}

// Valid reports whether u is one of the supported unit systems.
func (u Units) Valid() bool {
	switch u {
	case UnitsMetric, UnitsImperial, UnitsKelvin:
		return true
	}
	return false
}

// WeatherRecord is the normalized weather reading shown by the widget and
// persisted in the cache. LastUpdated is epoch milliseconds, stamped once
// when the record is produced.
type WeatherRecord struct {
	CityName    string `json:"cityName"`
	Temperature int    `json:"temperature"`
	Condition   string `json:"condition"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	IconURL     string `json:"iconUrl"`
	Humidity    int    `json:"humidity"`
	FeelsLike   int    `json:"feelsLike"`
	WindSpeed   int    `json:"windSpeed"`  // km/h
	Visibility  int    `json:"visibility"` // km
	Pressure    int    `json:"pressure"`
	Sunrise     string `json:"sunrise"`
	Sunset      string `json:"sunset"`
	LastUpdated int64  `json:"lastUpdated"`
}

// UpdatedAt returns LastUpdated as a time.Time.
func (r WeatherRecord) UpdatedAt() time.Time {
	return time.UnixMilli(r.LastUpdated)
}

// Age returns how old the record is relative to now.
func (r WeatherRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.UpdatedAt())
}

// IconURL returns the provider-hosted image for an icon code.
func IconURL(icon string) string {
	if icon == "" {
		return ""
	}
	return fmt.Sprintf("https://openweathermap.org/img/wn/%s@2x.png", icon)
}
