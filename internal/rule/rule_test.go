package rule

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func validSchedule() Schedule {
	return Schedule{
		ID:        "weekly-recap",
		OwnerID:   "u_100",
		Name:      "Weekly recap",
		Enabled:   true,
		Timezone:  "America/New_York",
		TimeOfDay: TimeOfDay{Hour: 9},
		Recurrence: Recurrence{
			Kind: KindWeekly,
			Day:  intp(1),
		},
		LeadTimeMinutes: 15,
		Lookback:        Lookback{Kind: LookbackWeek},
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()

	mutations := map[string]func(*Schedule){
		"baseline":      func(*Schedule) {},
		"weekday sun":   func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindWeekly, Day: intp(0)} },
		"weekday sat":   func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindWeekly, Day: intp(6)} },
		"weekdays":      func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindDailyWeekdays} },
		"monthly 31":    func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindMonthly, Day: intp(31)} },
		"custom days":   func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindCustom, Unit: UnitDays, Interval: 3} },
		"custom weeks":  func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindCustom, Unit: UnitWeeks, Day: intp(5), Interval: 2} },
		"custom months": func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindCustom, Unit: UnitMonths, Day: intp(15), Interval: 6} },
		"zero lead":     func(s *Schedule) { s.LeadTimeMinutes = 0 },
		"max lead":      func(s *Schedule) { s.LeadTimeMinutes = 1440 },
		"custom lookback": func(s *Schedule) {
			s.Lookback = Lookback{Kind: LookbackCustomDays, Days: 365}
		},
	}
	for name, mutate := range mutations {
		s := validSchedule()
		mutate(&s)
		if err := s.Validate(); err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	mutations := map[string]func(*Schedule){
		"empty id":            func(s *Schedule) { s.ID = "  " },
		"empty owner":         func(s *Schedule) { s.OwnerID = "" },
		"hour too large":      func(s *Schedule) { s.TimeOfDay.Hour = 24 },
		"negative minute":     func(s *Schedule) { s.TimeOfDay.Minute = -1 },
		"lead too large":      func(s *Schedule) { s.LeadTimeMinutes = 1441 },
		"negative lead":       func(s *Schedule) { s.LeadTimeMinutes = -1 },
		"unknown timezone":    func(s *Schedule) { s.Timezone = "Atlantis/Capital" },
		"empty timezone":      func(s *Schedule) { s.Timezone = "" },
		"weekly without day":  func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindWeekly} },
		"weekly day 7":        func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindWeekly, Day: intp(7)} },
		"monthly day 0":       func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindMonthly, Day: intp(0)} },
		"monthly day 32":      func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindMonthly, Day: intp(32)} },
		"weekdays with day":   func(s *Schedule) { s.Recurrence = Recurrence{Kind: KindDailyWeekdays, Day: intp(1)} },
		"unknown kind":        func(s *Schedule) { s.Recurrence = Recurrence{Kind: "hourly"} },
		"custom zero interval": func(s *Schedule) {
			s.Recurrence = Recurrence{Kind: KindCustom, Unit: UnitDays}
		},
		"custom unknown unit": func(s *Schedule) {
			s.Recurrence = Recurrence{Kind: KindCustom, Unit: "fortnights", Interval: 1}
		},
		"custom days with day": func(s *Schedule) {
			s.Recurrence = Recurrence{Kind: KindCustom, Unit: UnitDays, Day: intp(3), Interval: 2}
		},
		"interval on weekly": func(s *Schedule) {
			s.Recurrence = Recurrence{Kind: KindWeekly, Day: intp(1), Interval: 2}
		},
		"unknown lookback":   func(s *Schedule) { s.Lookback = Lookback{Kind: "decade"} },
		"lookback days zero": func(s *Schedule) { s.Lookback = Lookback{Kind: LookbackCustomDays} },
		"lookback days 366":  func(s *Schedule) { s.Lookback = Lookback{Kind: LookbackCustomDays, Days: 366} },
		"days on week lookback": func(s *Schedule) {
			s.Lookback = Lookback{Kind: LookbackWeek, Days: 7}
		},
	}
	for name, mutate := range mutations {
		s := validSchedule()
		mutate(&s)
		if err := s.Validate(); err == nil {
			t.Errorf("%s: want error, got nil", name)
		}
	}
}

func TestLocationPanicsBeforeValidate(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("want panic for unvalidated schedule")
		}
	}()
	s := validSchedule()
	_ = s.Location()
}

func TestTriggerFor(t *testing.T) {
	t.Parallel()

	s := validSchedule()
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	occ := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)
	want := time.Date(2025, 6, 16, 8, 45, 0, 0, time.UTC)
	if got := s.TriggerFor(occ); !got.Equal(want) {
		t.Errorf("TriggerFor = %v, want %v", got, want)
	}

	s.LeadTimeMinutes = 0
	if got := s.TriggerFor(occ); !got.Equal(occ) {
		t.Errorf("zero lead: TriggerFor = %v, want the occurrence", got)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.yaml")
	doc := `schedules:
  - id: weekly-standup
    owner_id: u_100
    name: Standup notes
    enabled: true
    timezone: Europe/Berlin
    time_of_day: { hour: 8, minute: 30 }
    recurrence: { kind: weekly, day: 1 }
    lead_time_minutes: 10
    lookback: { kind: week }
  - id: monthly-report
    owner_id: u_200
    enabled: true
    timezone: UTC
    time_of_day: { hour: 7 }
    recurrence: { kind: monthly_day_of_month, day: 31 }
    lead_time_minutes: 0
    lookback: { kind: month }
    scope: space-42
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	schedules, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(schedules) != 2 {
		t.Fatalf("len = %d, want 2", len(schedules))
	}
	if schedules[0].ID != "weekly-standup" || schedules[0].Recurrence.DayValue() != 1 {
		t.Errorf("first schedule parsed wrong: %+v", schedules[0])
	}
	if schedules[1].Scope != "space-42" {
		t.Errorf("scope = %q, want space-42", schedules[1].Scope)
	}
	// Validate ran during load, so Location works immediately.
	if schedules[0].Location().String() != "Europe/Berlin" {
		t.Errorf("location = %s, want Europe/Berlin", schedules[0].Location())
	}
}

func TestLoadFileRejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	t.Run("invalid schedule fails the whole file", func(t *testing.T) {
		path := filepath.Join(dir, "bad-schedule.yaml")
		doc := `schedules:
  - id: ok
    owner_id: u_1
    enabled: true
    timezone: UTC
    time_of_day: { hour: 9 }
    recurrence: { kind: weekly, day: 1 }
    lookback: { kind: week }
  - id: broken
    owner_id: u_1
    enabled: true
    timezone: UTC
    time_of_day: { hour: 9 }
    recurrence: { kind: weekly, day: 9 }
    lookback: { kind: week }
`
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Fatal("want error for out-of-range weekday")
		}
	})

	t.Run("unknown keys rejected", func(t *testing.T) {
		path := filepath.Join(dir, "typo.yaml")
		doc := `schedules:
  - id: ok
    owner_id: u_1
    enabled: true
    timezone: UTC
    time_of_day: { hour: 9 }
    recurence: { kind: weekly, day: 1 }
    lookback: { kind: week }
`
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Fatal("want error for misspelled key")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFile(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Fatal("want error for missing file")
		}
	})
}
