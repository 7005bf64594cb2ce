package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

const (
	ErrorCategoryTimeout         ErrorCategory = "timeout"
	ErrorCategoryNetwork         ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey   ErrorCategory = "invalid_api_key"
	ErrorCategoryCityNotFound    ErrorCategory = "city_not_found"
	ErrorCategoryRateLimited     ErrorCategory = "rate_limited"
	ErrorCategoryUpstream        ErrorCategory = "upstream_error"
	ErrorCategoryCircuitOpen     ErrorCategory = "circuit_open"
	ErrorCategoryInvalidArgument ErrorCategory = "invalid_argument"
	ErrorCategoryParsing         ErrorCategory = "parsing"
	ErrorCategoryUnknown         ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var perr *ProviderError
	switch {
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidAPIKey
	case errors.Is(err, ErrCityNotFound):
		return ErrorCategoryCityNotFound
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrInvalidArgument):
		return ErrorCategoryInvalidArgument
	case errors.As(err, &perr):
		if perr.StatusCode == http.StatusTooManyRequests {
			return ErrorCategoryRateLimited
		}
		return ErrorCategoryUpstream
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, ErrNetwork) || strings.Contains(errStr, "connection refused") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}

	return ErrorCategoryUnknown
}

// UserMessage renders err as the text shown to widget users.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var perr *ProviderError
	var nf *CityNotFoundError
	switch {
	case errors.Is(err, ErrInvalidAPIKey):
		return "Invalid API key. Please check your OpenWeatherMap API key."
	case errors.As(err, &nf):
		return fmt.Sprintf("City \"%s\" not found. Please check the city name.", nf.City)
	case errors.Is(err, ErrInvalidArgument):
		return "Either coordinates or city name must be provided"
	case errors.As(err, &perr):
		if perr.Status != "" {
			return "Weather service error: " + perr.Status
		}
		return fmt.Sprintf("Weather service error: %d", perr.StatusCode)
	case errors.Is(err, ErrCircuitOpen):
		return "Weather service is temporarily unavailable. Please try again later."
	case errors.Is(err, ErrNetwork):
		return "Unable to reach the weather service. Please check your connection."
	}
	return "An unexpected error occurred"
}
