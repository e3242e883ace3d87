// Package rule defines the schedule rule model: what recurs, in which zone,
// at which wall-clock time, with how much lead time and how much lookback.
//
// Rules are validated at construction. Anything the calculators would have to
// guess about at runtime (missing day for a weekly rule, unknown timezone,
// out-of-range lead time) is rejected here instead, so downstream code can
// treat a Schedule it receives as well-formed.
package rule

import (
	"fmt"
	"strings"
	"time"

	"recap/internal/tzclock"
)

// RecurrenceKind selects the cadence family of a schedule.
type RecurrenceKind string

const (
	// KindDailyWeekdays fires every Monday-Friday.
	KindDailyWeekdays RecurrenceKind = "daily_weekdays"
	// KindWeekly fires once a week on Recurrence.Day (0=Sunday).
	KindWeekly RecurrenceKind = "weekly"
	// KindMonthly fires once a month on Recurrence.Day (1-31, clamped to
	// shorter months).
	KindMonthly RecurrenceKind = "monthly_day_of_month"
	// KindCustom fires every Interval units (days/weeks/months).
	KindCustom RecurrenceKind = "custom"
)

// IntervalUnit is the step unit for custom recurrences.
type IntervalUnit string

const (
	UnitDays   IntervalUnit = "days"
	UnitWeeks  IntervalUnit = "weeks"
	UnitMonths IntervalUnit = "months"
)

// Recurrence is a flattened tagged union. Which fields are meaningful depends
// on Kind; Schedule.Validate enforces the combinations.
//
// Day is a pointer so "absent" is distinguishable from Sunday (0): weekly
// rules need 0-6, monthly rules need 1-31, and custom day-based rules must
// not set it at all.
type Recurrence struct {
	Kind     RecurrenceKind `json:"kind"`
	Day      *int           `json:"day,omitempty"`
	Unit     IntervalUnit   `json:"unit,omitempty"`
	Interval int            `json:"interval,omitempty"`
}

// LookbackKind selects how far back a summary window reaches.
type LookbackKind string

const (
	LookbackDay        LookbackKind = "day"
	LookbackWeek       LookbackKind = "week"
	LookbackMonth      LookbackKind = "month"
	LookbackHalfYear   LookbackKind = "half_year"
	LookbackYear       LookbackKind = "year"
	LookbackCustomDays LookbackKind = "custom_days"
)

// Lookback describes the historical window a summary should cover.
// Days is only meaningful for LookbackCustomDays (1-365).
type Lookback struct {
	Kind LookbackKind `json:"kind"`
	Days int          `json:"days,omitempty"`
}

// TimeOfDay is the local wall-clock time an occurrence lands on.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Schedule is one owner-configured recurring summary or meeting reminder.
// It is immutable per edit: the CRUD layer replaces the whole rule, the
// engine only reads it.
type Schedule struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	Timezone   string     `json:"timezone"`
	TimeOfDay  TimeOfDay  `json:"time_of_day"`
	Recurrence Recurrence `json:"recurrence"`

	// LeadTimeMinutes is how long before the occurrence delivery should
	// begin (0-1440).
	LeadTimeMinutes int      `json:"lead_time_minutes"`
	Lookback        Lookback `json:"lookback"`

	// Scope is an opaque filter handed to the summarizer (e.g. a space or
	// chain identifier). The engine never interprets it.
	Scope string `json:"scope,omitempty"`

	loc *time.Location
}

// Validate checks the rule invariants and caches the resolved time zone.
// It must be called before the schedule reaches any calculator.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id: required")
	}
	if strings.TrimSpace(s.OwnerID) == "" {
		return fmt.Errorf("owner_id: required")
	}
	if s.TimeOfDay.Hour < 0 || s.TimeOfDay.Hour > 23 {
		return fmt.Errorf("time_of_day.hour: %d out of range 0-23", s.TimeOfDay.Hour)
	}
	if s.TimeOfDay.Minute < 0 || s.TimeOfDay.Minute > 59 {
		return fmt.Errorf("time_of_day.minute: %d out of range 0-59", s.TimeOfDay.Minute)
	}
	if s.LeadTimeMinutes < 0 || s.LeadTimeMinutes > 1440 {
		return fmt.Errorf("lead_time_minutes: %d out of range 0-1440", s.LeadTimeMinutes)
	}

	if err := validateRecurrence(s.Recurrence); err != nil {
		return err
	}
	if err := validateLookback(s.Lookback); err != nil {
		return err
	}

	loc, err := tzclock.Load(s.Timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	s.loc = loc
	return nil
}

func validateRecurrence(r Recurrence) error {
	switch r.Kind {
	case KindDailyWeekdays:
		if r.Day != nil {
			return fmt.Errorf("recurrence.day: not allowed for %s", r.Kind)
		}
	case KindWeekly:
		if err := requireDay(r.Day, 0, 6); err != nil {
			return fmt.Errorf("recurrence.day: %w (weekly)", err)
		}
	case KindMonthly:
		if err := requireDay(r.Day, 1, 31); err != nil {
			return fmt.Errorf("recurrence.day: %w (monthly)", err)
		}
	case KindCustom:
		if r.Interval < 1 {
			return fmt.Errorf("recurrence.interval: must be >= 1, got %d", r.Interval)
		}
		switch r.Unit {
		case UnitDays:
			if r.Day != nil {
				return fmt.Errorf("recurrence.day: not allowed for custom %s", r.Unit)
			}
		case UnitWeeks:
			if err := requireDay(r.Day, 0, 6); err != nil {
				return fmt.Errorf("recurrence.day: %w (custom weeks)", err)
			}
		case UnitMonths:
			if err := requireDay(r.Day, 1, 31); err != nil {
				return fmt.Errorf("recurrence.day: %w (custom months)", err)
			}
		default:
			return fmt.Errorf("recurrence.unit: unknown unit %q", r.Unit)
		}
	default:
		return fmt.Errorf("recurrence.kind: unknown kind %q", r.Kind)
	}

	if r.Kind != KindCustom && r.Interval != 0 {
		return fmt.Errorf("recurrence.interval: only allowed for %s", KindCustom)
	}
	return nil
}

func validateLookback(lb Lookback) error {
	switch lb.Kind {
	case LookbackDay, LookbackWeek, LookbackMonth, LookbackHalfYear, LookbackYear:
		if lb.Days != 0 {
			return fmt.Errorf("lookback.days: only allowed for %s", LookbackCustomDays)
		}
	case LookbackCustomDays:
		if lb.Days < 1 || lb.Days > 365 {
			return fmt.Errorf("lookback.days: %d out of range 1-365", lb.Days)
		}
	default:
		return fmt.Errorf("lookback.kind: unknown kind %q", lb.Kind)
	}
	return nil
}

func requireDay(day *int, lo, hi int) error {
	if day == nil {
		return fmt.Errorf("required")
	}
	if *day < lo || *day > hi {
		return fmt.Errorf("%d out of range %d-%d", *day, lo, hi)
	}
	return nil
}

// Location returns the zone cached by Validate.
//
// Calling it on an unvalidated schedule is a programming defect and panics
// rather than silently computing occurrences in the wrong zone.
func (s Schedule) Location() *time.Location {
	if s.loc == nil {
		panic(fmt.Sprintf("rule: schedule %q used before Validate", s.ID))
	}
	return s.loc
}

// LeadTime returns the lead time as a duration.
func (s Schedule) LeadTime() time.Duration {
	return time.Duration(s.LeadTimeMinutes) * time.Minute
}

// TriggerFor derives the instant at which delivery preparation for an
// occurrence should begin.
func (s Schedule) TriggerFor(occurrence time.Time) time.Time {
	return occurrence.Add(-s.LeadTime())
}

// DayValue returns the recurrence day or -1 when unset. Convenience for
// calculators that have already passed validation.
func (r Recurrence) DayValue() int {
	if r.Day == nil {
		return -1
	}
	return *r.Day
}
