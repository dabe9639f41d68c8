package workflows

import (
	"fmt"
	"time"
)

// Schedule maps wall-clock time to a deterministic run key and decides
// whether the workflow may run yet. Both methods work in UTC.
type Schedule interface {
	RunKey(now time.Time) string
	Eligible(now time.Time) bool
}

// DailyAt runs once per UTC day, from Hour onwards.
type DailyAt struct {
	Hour int
}

func (s DailyAt) RunKey(now time.Time) string {
	return now.UTC().Format(time.DateOnly)
}

func (s DailyAt) Eligible(now time.Time) bool {
	return now.UTC().Hour() >= s.Hour
}

// Hourly runs once per UTC hour.
type Hourly struct{}

func (Hourly) RunKey(now time.Time) string {
	return now.UTC().Format("2006-01-02T15")
}

func (Hourly) Eligible(time.Time) bool { return true }

// Weekly runs once per ISO week, on Weekday from Hour onwards.
type Weekly struct {
	Weekday time.Weekday
	Hour    int
}

// RunKey returns the ISO week, e.g. "2026-W10".
func (s Weekly) RunKey(now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func (s Weekly) Eligible(now time.Time) bool {
	now = now.UTC()
	return now.Weekday() == s.Weekday && now.Hour() >= s.Hour
}
