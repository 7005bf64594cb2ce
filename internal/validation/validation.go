package validation

import (
	"errors"
	"strings"
	"unicode"
)

// City name length bounds, in runes.
const (
	MinCityLength = 1
	MaxCityLength = 100
)

var (
	ErrCityEmpty        = errors.New("city is required")
	ErrCityTooLong      = errors.New("city name too long")
	ErrCityInvalidChars = errors.New("city name contains invalid characters")
)

// ValidateCity trims the input and checks it is usable as a provider city query:
// letters, digits, space, comma, hyphen, period and apostrophe, at most
// MaxCityLength runes. Returns the trimmed name.
func ValidateCity(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) < MinCityLength {
		return "", ErrCityEmpty
	}
	if len(r) > MaxCityLength {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
