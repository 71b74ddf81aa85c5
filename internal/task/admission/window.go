package admission

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day in minutes since midnight.
type ClockTime int

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime(h*60 + m), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Window is the active-hours range. End is exclusive; End < Start wraps
// past midnight; Start == End never admits.
type Window struct {
	Start ClockTime
	End   ClockTime
	Loc   *time.Location
}

// ParseWindow builds a Window from config strings. An empty zone means local time.
func ParseWindow(start, end, zone string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	loc, err := LoadLocation(zone)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e, Loc: loc}, nil
}

// LoadLocation resolves an IANA zone name; "" and "local" mean time.Local.
func LoadLocation(zone string) (*time.Location, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" || strings.EqualFold(zone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", zone, err)
	}
	return loc, nil
}

func (w Window) Contains(now time.Time) bool {
	return IsWithinWindow(now, w.Start, w.End, w.Loc)
}

// IsWithinWindow reports whether now, viewed in loc, falls in [start, end).
func IsWithinWindow(now time.Time, start, end ClockTime, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	cur := ClockTime(n.Hour()*60 + n.Minute())
	switch {
	case start < end:
		return cur >= start && cur < end
	case start > end:
		return cur >= start || cur < end
	default:
		return false
	}
}
