package recur

import (
	"errors"
	"fmt"
	"time"

	"recap/internal/rule"
	"recap/internal/tzclock"
)

// maxSteps bounds candidate advancement. The widest legitimate gap between
// consecutive occurrences is a custom monthly rule at interval 12; 400 steps
// is far beyond anything a valid rule needs.
const maxSteps = 400

// ErrNoOccurrence means the calculator exhausted its iteration bound without
// finding a candidate. A validated rule cannot trigger it; seeing it means a
// defective rule slipped past validation and should be treated as a bug.
var ErrNoOccurrence = errors.New("recur: no occurrence found within iteration bound")

// Next returns the earliest instant strictly after `after` at which the
// schedule recurs. The caller is responsible for filtering disabled
// schedules; Next does not look at s.Enabled.
func Next(s rule.Schedule, after time.Time) (time.Time, error) {
	loc := s.Location()
	r := s.Recurrence

	switch r.Kind {
	case rule.KindDailyWeekdays:
		return nextWeekday(loc, s.TimeOfDay, after)
	case rule.KindWeekly:
		return nextOnWeekday(loc, s.TimeOfDay, after, r.DayValue(), 1), nil
	case rule.KindMonthly:
		return nextOnMonthDay(loc, s.TimeOfDay, after, r.DayValue(), 1)
	case rule.KindCustom:
		switch r.Unit {
		case rule.UnitDays:
			return nextEveryDays(loc, s.TimeOfDay, after, r.Interval)
		case rule.UnitWeeks:
			return nextOnWeekday(loc, s.TimeOfDay, after, r.DayValue(), r.Interval), nil
		case rule.UnitMonths:
			return nextOnMonthDay(loc, s.TimeOfDay, after, r.DayValue(), r.Interval)
		}
	}
	return time.Time{}, fmt.Errorf("recur: schedule %q: unsupported recurrence kind %q", s.ID, r.Kind)
}

// nextWeekday advances one civil day at a time until the candidate is both
// strictly after the reference and lands Monday-Friday. Worst case is a
// Friday evening reference: three steps.
func nextWeekday(loc *time.Location, tod rule.TimeOfDay, after time.Time) (time.Time, error) {
	c := tzclock.At(loc, after)
	for step := 0; step < maxSteps; step++ {
		cand := tzclock.Instant(loc, c.Year, c.Month, c.Day+step, tod.Hour, tod.Minute, 0)
		// Re-derive the weekday from the built candidate: the day offset
		// above may have crossed a month or DST boundary.
		wd := cand.In(loc).Weekday()
		if cand.After(after) && wd != time.Saturday && wd != time.Sunday {
			return cand, nil
		}
	}
	return time.Time{}, ErrNoOccurrence
}

// nextOnWeekday handles weekly rules and custom week-unit rules; the
// repetition step is intervalWeeks*7 civil days.
func nextOnWeekday(loc *time.Location, tod rule.TimeOfDay, after time.Time, day, intervalWeeks int) time.Time {
	c := tzclock.At(loc, after)
	daysAhead := (day - int(c.Weekday) + 7) % 7
	cand := tzclock.Instant(loc, c.Year, c.Month, c.Day+daysAhead, tod.Hour, tod.Minute, 0)
	if !cand.After(after) {
		// Same weekday but the time of day has already passed.
		cand = tzclock.Instant(loc, c.Year, c.Month, c.Day+daysAhead+7*intervalWeeks, tod.Hour, tod.Minute, 0)
	}
	return cand
}

// nextOnMonthDay handles day-of-month rules. The requested day is clamped to
// each candidate month's length; months advance by intervalMonths.
func nextOnMonthDay(loc *time.Location, tod rule.TimeOfDay, after time.Time, day, intervalMonths int) (time.Time, error) {
	c := tzclock.At(loc, after)
	year, month := c.Year, c.Month
	for step := 0; step < maxSteps; step++ {
		d := day
		if last := tzclock.LastDayOfMonth(year, month); d > last {
			d = last
		}
		cand := tzclock.Instant(loc, year, month, d, tod.Hour, tod.Minute, 0)
		if cand.After(after) {
			return cand, nil
		}
		// time.Month beyond December is normalized by the conversion
		// helpers, so plain addition is safe here.
		month += time.Month(intervalMonths)
	}
	return time.Time{}, ErrNoOccurrence
}

// nextEveryDays anchors at the reference date's time-of-day and steps by the
// interval until the candidate exceeds the reference.
func nextEveryDays(loc *time.Location, tod rule.TimeOfDay, after time.Time, interval int) (time.Time, error) {
	c := tzclock.At(loc, after)
	for step := 0; step < maxSteps; step++ {
		cand := tzclock.Instant(loc, c.Year, c.Month, c.Day+step*interval, tod.Hour, tod.Minute, 0)
		if cand.After(after) {
			return cand, nil
		}
	}
	return time.Time{}, ErrNoOccurrence
}
