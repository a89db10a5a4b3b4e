package helpers

import (
	"strings"
	"time"

	"github.com/karrick/tparse/v2"
	"github.com/pkg/errors"
)

// ParseSince turns a timeframe like "7d", "12h" or an RFC3339 timestamp into the start of the
// timeframe. "all" and an empty value return the zero time.
func ParseSince(now time.Time, value string) (time.Time, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" || value == "all" {
		return time.Time{}, nil
	}
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at, nil
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		duration, err = tparse.AbsoluteDuration(now, value)
	}
	if err != nil || duration <= 0 {
		return time.Time{}, errors.Errorf("invalid timeframe %q", value)
	}
	return now.Add(-duration), nil
}
