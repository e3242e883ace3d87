// Package tzclock converts between civil wall-clock times in a named IANA
// zone and absolute instants.
//
// Conversions always use the zone's offset at the civil date in question, not
// the offset at "now". That distinction is what keeps occurrence math correct
// across daylight-saving transitions: asking for "09:00 on March 10" in
// America/New_York must use the post-transition offset even when the question
// is asked in February.
//
// The package holds no state. Unknown zone names are a configuration error
// surfaced by Load; the conversion functions themselves cannot fail.
package tzclock

import (
	"fmt"
	"strings"
	"time"
)

// Load resolves an IANA zone name (e.g. "America/New_York", "UTC").
// It is the only fallible operation in this package; call it at rule
// validation time and cache the result.
func Load(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("timezone is required")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// Civil is a wall-clock date/time as an owner in the given zone would read it.
type Civil struct {
	Year    int
	Month   time.Month
	Day     int
	Hour    int
	Minute  int
	Second  int
	Weekday time.Weekday // Sunday = 0
}

// At decomposes an absolute instant into the civil time observed in loc.
func At(loc *time.Location, instant time.Time) Civil {
	t := instant.In(loc)
	y, mo, d := t.Date()
	return Civil{
		Year:    y,
		Month:   mo,
		Day:     d,
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Second:  t.Second(),
		Weekday: t.Weekday(),
	}
}

// Instant builds the absolute instant for a civil date/time in loc.
//
// Out-of-range components are normalized the way time.Date normalizes them
// (day 0 is the last day of the previous month, day 32 rolls forward, and so
// on); callers doing calendar arithmetic rely on this. A wall-clock time that
// falls inside a spring-forward gap is likewise normalized to a real instant
// rather than failing, so a 02:30 rule still fires on transition day.
func Instant(loc *time.Location, year int, month time.Month, day, hour, minute, second int) time.Time {
	return time.Date(year, month, day, hour, minute, second, 0, loc)
}

// LastDayOfMonth returns the number of days in the given month.
func LastDayOfMonth(year int, month time.Month) int {
	// Day zero of the following month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
