package admission

import (
	"fmt"
	"strings"
	"time"
)

var weekdayKeys = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// WeekdayKey returns the config key ("mon".."sun") for d.
func WeekdayKey(d time.Weekday) string { return weekdayKeys[d] }

// ParseWeekday accepts short or full English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, k := range weekdayKeys {
		if s == k || s == strings.ToLower(time.Weekday(i).String()) {
			return time.Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// Budget is the per-day usage ceiling table, in percent.
type Budget struct {
	ByDay     map[time.Weekday]float64
	Default   float64
	ResetHour int
	Loc       *time.Location
}

// EffectiveDay is the weekday whose ceiling governs now. Before the reset
// hour the previous day's budget period is still running.
func (b Budget) EffectiveDay(now time.Time) time.Weekday {
	loc := b.Loc
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	if n.Hour() < b.ResetHour {
		n = n.AddDate(0, 0, -1)
	}
	return n.Weekday()
}

func (b Budget) CeilingFor(now time.Time) float64 {
	if v, ok := b.ByDay[b.EffectiveDay(now)]; ok {
		return v
	}
	return b.Default
}
