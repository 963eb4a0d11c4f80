package views

import (
	"fmt"
	"strings"
	"time"
)

// WindowPolicy decides how long a dedup marker lives.
type WindowPolicy interface {
	// TTL returns the marker lifetime for a view recorded at now. It is always positive.
	TTL(now time.Time) time.Duration
}

// DailyWindow expires markers at the next ResetHour:00 in Location, so every
// viewer may be counted once per calendar day.
type DailyWindow struct {
	ResetHour int
	Location  *time.Location
}

func (w DailyWindow) TTL(now time.Time) time.Duration {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}

	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), w.ResetHour, 0, 0, 0, loc)

	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, w.ResetHour, 0, 0, 0, loc)
	}

	return next.Sub(local)
}

// RollingWindow keeps markers for a fixed period after the first view.
type RollingWindow struct {
	Period time.Duration
}

func (w RollingWindow) TTL(time.Time) time.Duration {
	return w.Period
}

// ParseWindow builds a policy from configuration. "daily" selects DailyWindow,
// anything else must parse as a positive duration.
func ParseWindow(value string, resetHour int, loc *time.Location) (WindowPolicy, error) {
	if strings.EqualFold(strings.TrimSpace(value), "daily") {
		if resetHour < 0 || resetHour > 23 {
			return nil, fmt.Errorf("reset hour %d out of range", resetHour)
		}

		return DailyWindow{ResetHour: resetHour, Location: loc}, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("parse dedup window %q: %w", value, err)
	}

	if d <= 0 {
		return nil, fmt.Errorf("dedup window must be positive, got %s", d)
	}

	return RollingWindow{Period: d}, nil
}
