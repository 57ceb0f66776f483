package delivery

import (
	"fmt"
	"time"

	"github.com/autoscouter/autoscouter/internal/db"
)

// quietWindow reports whether now falls inside the user's quiet hours and,
// if so, when the window ends. Times are interpreted in the user's
// timezone; a window that ends before it starts spans midnight.
func quietWindow(prefs *db.Preferences, now time.Time) (bool, time.Time, error) {
	if prefs.QuietHoursStart == nil || prefs.QuietHoursEnd == nil {
		return false, time.Time{}, nil
	}

	loc, err := userLocation(prefs)
	if err != nil {
		return false, time.Time{}, err
	}
	local := now.In(loc)

	startH, startM, err := parseClock(*prefs.QuietHoursStart)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("quiet_hours_start: %w", err)
	}
	endH, endM, err := parseClock(*prefs.QuietHoursEnd)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("quiet_hours_end: %w", err)
	}

	start := time.Date(local.Year(), local.Month(), local.Day(), startH, startM, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), endH, endM, 0, 0, loc)

	if !end.After(start) {
		// Overnight window, e.g. 22:00 to 07:30.
		if local.Before(end) {
			return true, end, nil
		}
		if !local.Before(start) {
			return true, end.AddDate(0, 0, 1), nil
		}
		return false, time.Time{}, nil
	}

	if !local.Before(start) && local.Before(end) {
		return true, end, nil
	}
	return false, time.Time{}, nil
}

// nextLocalMidnight returns the start of the next day in the user's
// timezone, when the daily counters reset.
func nextLocalMidnight(prefs *db.Preferences, now time.Time) time.Time {
	loc, err := userLocation(prefs)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}

// localMidnight returns the start of the current day in the user's timezone.
func localMidnight(prefs *db.Preferences, now time.Time) time.Time {
	loc, err := userLocation(prefs)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func userLocation(prefs *db.Preferences) (*time.Location, error) {
	if prefs.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", prefs.Timezone, err)
	}
	return loc, nil
}

func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

const (
	backoffBase = 30 * time.Second
	backoffCap  = 1 * time.Hour
)

// backoffFor returns the retry delay for the given retry count, doubling
// from the base up to the cap.
func backoffFor(retryCount int) time.Duration {
	d := backoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
