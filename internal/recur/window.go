package recur

import (
	"time"

	"recap/internal/rule"
	"recap/internal/tzclock"
)

// Window resolves the [start, end) summary window for an occurrence.
//
// The end is the occurrence itself. The start is the occurrence moved back by
// the lookback span in civil terms in the schedule's zone: one week before
// Monday 09:00 is the previous Monday 09:00 local, even when a DST shift
// makes the absolute gap 167 or 169 hours.
//
// Month-based spans clamp exactly like day-of-month recurrence does: one
// month before March 31 is February 28, not March 3. Consecutive windows of a
// monthly day-31 rule tile the calendar without gaps this way.
func Window(lb rule.Lookback, occurrence time.Time, loc *time.Location) (start, end time.Time) {
	end = occurrence
	local := occurrence.In(loc)
	switch lb.Kind {
	case rule.LookbackDay:
		start = local.AddDate(0, 0, -1)
	case rule.LookbackWeek:
		start = local.AddDate(0, 0, -7)
	case rule.LookbackMonth:
		start = monthsBack(local, 1, loc)
	case rule.LookbackHalfYear:
		start = monthsBack(local, 6, loc)
	case rule.LookbackYear:
		start = monthsBack(local, 12, loc)
	case rule.LookbackCustomDays:
		start = local.AddDate(0, 0, -lb.Days)
	default:
		// Unreachable after rule validation; an empty window is the least
		// harmful answer for a corrupted lookback.
		start = end
	}
	return start, end
}

// monthsBack steps the civil date back by whole months, clamping the day to
// the target month's length.
func monthsBack(local time.Time, months int, loc *time.Location) time.Time {
	anchor := time.Date(local.Year(), local.Month()-time.Month(months), 1, 0, 0, 0, 0, loc)
	day := local.Day()
	if last := tzclock.LastDayOfMonth(anchor.Year(), anchor.Month()); day > last {
		day = last
	}
	return tzclock.Instant(loc, anchor.Year(), anchor.Month(), day,
		local.Hour(), local.Minute(), local.Second())
}
