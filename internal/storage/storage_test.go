package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"recap/internal/delivery"
	"recap/internal/rule"
	"recap/internal/summary"
	logx "recap/pkg/logx"
)

func intp(v int) *int { return &v }

func testSchedule(t *testing.T, id string) rule.Schedule {
	t.Helper()
	s := rule.Schedule{
		ID:              id,
		OwnerID:         "u_1",
		Name:            "Weekly recap",
		Enabled:         true,
		Timezone:        "America/New_York",
		TimeOfDay:       rule.TimeOfDay{Hour: 9, Minute: 30},
		Recurrence:      rule.Recurrence{Kind: rule.KindWeekly, Day: intp(1)},
		LeadTimeMinutes: 15,
		Lookback:        rule.Lookback{Kind: rule.LookbackWeek},
		Scope:           "space-1",
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func testRecord(id, scheduleID string, trigger time.Time) delivery.Record {
	occ := trigger.Add(15 * time.Minute)
	return delivery.Record{
		ID:           id,
		ScheduleID:   scheduleID,
		OccurrenceAt: occ,
		TriggerAt:    trigger,
		WindowStart:  occ.AddDate(0, 0, -7),
		WindowEnd:    occ,
		Status:       delivery.StatusPending,
	}
}

// eachStore runs the test against both drivers; the engine must behave the
// same no matter which one is configured.
func eachStore(t *testing.T, fn func(t *testing.T, store delivery.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		store := NewMemory()
		defer store.Close()
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		store, err := Open(Config{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "recap.db"),
			BusyTimeout: 2 * time.Second,
		}, logx.Nop())
		if err != nil {
			t.Fatal(err)
		}
		defer store.Close()
		fn(t, store)
	})
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Error("empty driver: want error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Error("unknown driver: want error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Error("sqlite without path: want error")
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store delivery.Store) {
		ctx := context.Background()
		want := testSchedule(t, "s1")
		if err := store.PutSchedule(ctx, want); err != nil {
			t.Fatal(err)
		}

		got, found, err := store.GetSchedule(ctx, "s1")
		if err != nil || !found {
			t.Fatalf("get: found=%v err=%v", found, err)
		}
		if got.OwnerID != want.OwnerID || got.Timezone != want.Timezone || got.Scope != want.Scope {
			t.Errorf("round trip mismatch: %+v", got)
		}
		if got.Recurrence.DayValue() != 1 || got.TimeOfDay != want.TimeOfDay {
			t.Errorf("rule fields mismatch: %+v", got)
		}
		// The returned schedule must be usable by the calculators directly.
		if got.Location().String() != "America/New_York" {
			t.Errorf("location = %s", got.Location())
		}

		// Upsert replaces in place.
		want.Name = "Renamed"
		want.Enabled = false
		if err := store.PutSchedule(ctx, want); err != nil {
			t.Fatal(err)
		}
		got, _, _ = store.GetSchedule(ctx, "s1")
		if got.Name != "Renamed" || got.Enabled {
			t.Errorf("upsert did not replace: %+v", got)
		}

		list, err := store.ListEnabledSchedules(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 0 {
			t.Errorf("disabled schedule listed as enabled: %v", list)
		}

		if _, found, _ := store.GetSchedule(ctx, "missing"); found {
			t.Error("found a schedule that was never stored")
		}
	})
}

func TestInsertRecordDedup(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store delivery.Store) {
		ctx := context.Background()
		if err := store.PutSchedule(ctx, testSchedule(t, "s1")); err != nil {
			t.Fatal(err)
		}

		trigger := time.Date(2025, 6, 16, 8, 45, 0, 0, time.UTC)
		rec := testRecord("r1", "s1", trigger)
		if ok, err := store.InsertRecord(ctx, rec); err != nil || !ok {
			t.Fatalf("first insert: ok=%v err=%v", ok, err)
		}

		// Same (schedule, occurrence) under a different ID: silent no-op.
		dup := rec
		dup.ID = "r2"
		ok, err := store.InsertRecord(ctx, dup)
		if err != nil {
			t.Fatalf("duplicate insert errored: %v", err)
		}
		if ok {
			t.Fatal("duplicate occurrence inserted")
		}

		recs, err := store.ListRecords(ctx, "s1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 {
			t.Fatalf("records = %d, want 1", len(recs))
		}
	})
}

func TestClaimSemantics(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store delivery.Store) {
		ctx := context.Background()
		if err := store.PutSchedule(ctx, testSchedule(t, "s1")); err != nil {
			t.Fatal(err)
		}
		now := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)

		due := testRecord("due", "s1", now.Add(-time.Minute))
		future := testRecord("future", "s1", now.Add(time.Hour))
		for _, rec := range []delivery.Record{due, future} {
			if ok, err := store.InsertRecord(ctx, rec); err != nil || !ok {
				t.Fatalf("insert %s: ok=%v err=%v", rec.ID, ok, err)
			}
		}

		if ok, err := store.Claim(ctx, "future", now); err != nil || ok {
			t.Fatalf("claimed a not-yet-due record: ok=%v err=%v", ok, err)
		}
		if ok, err := store.Claim(ctx, "due", now); err != nil || !ok {
			t.Fatalf("claim due: ok=%v err=%v", ok, err)
		}
		// Second claim must lose.
		if ok, err := store.Claim(ctx, "due", now); err != nil || ok {
			t.Fatalf("double claim: ok=%v err=%v", ok, err)
		}

		got, _, _ := store.GetRecord(ctx, "due")
		if got.Status != delivery.StatusGenerating {
			t.Errorf("status = %s, want generating", got.Status)
		}
	})
}

func TestClaimConcurrent(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store delivery.Store) {
		ctx := context.Background()
		if err := store.PutSchedule(ctx, testSchedule(t, "s1")); err != nil {
			t.Fatal(err)
		}
		now := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)
		if ok, err := store.InsertRecord(ctx, testRecord("r1", "s1", now.Add(-time.Minute))); err != nil || !ok {
			t.Fatalf("insert: ok=%v err=%v", ok, err)
		}

		const claimers = 12
		var wg sync.WaitGroup
		var mu sync.Mutex
		won := 0
		wg.Add(claimers)
		for i := 0; i < claimers; i++ {
			go func() {
				defer wg.Done()
				ok, err := store.Claim(ctx, "r1", now)
				if err != nil {
					t.Error(err)
					return
				}
				if ok {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if won != 1 {
			t.Fatalf("winners = %d, want exactly 1", won)
		}
	})
}

func TestQueryDueAndStalled(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store delivery.Store) {
		ctx := context.Background()
		if err := store.PutSchedule(ctx, testSchedule(t, "s1")); err != nil {
			t.Fatal(err)
		}
		now := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)

		older := testRecord("older", "s1", now.Add(-2*time.Hour))
		newer := testRecord("newer", "s1", now.Add(-time.Minute))
		future := testRecord("future", "s1", now.Add(time.Hour))
		for _, rec := range []delivery.Record{newer, older, future} {
			if ok, err := store.InsertRecord(ctx, rec); err != nil || !ok {
				t.Fatalf("insert %s: ok=%v err=%v", rec.ID, ok, err)
			}
		}

		due, err := store.QueryDue(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 2 || due[0].ID != "older" || due[1].ID != "newer" {
			t.Fatalf("due = %v, want [older newer] oldest trigger first", ids(due))
		}

		// Claim one and age it past the stall cutoff.
		if ok, _ := store.Claim(ctx, "older", now); !ok {
			t.Fatal("claim failed")
		}
		stalled, err := store.QueryStalled(ctx, now.Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if len(stalled) != 1 || stalled[0].ID != "older" {
			t.Fatalf("stalled = %v, want [older]", ids(stalled))
		}
		// A cutoff before the claim finds nothing.
		stalled, err = store.QueryStalled(ctx, now.Add(-time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if len(stalled) != 0 {
			t.Fatalf("stalled = %v, want none before the cutoff", ids(stalled))
		}
	})
}

func TestTransitionMutations(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store delivery.Store) {
		ctx := context.Background()
		if err := store.PutSchedule(ctx, testSchedule(t, "s1")); err != nil {
			t.Fatal(err)
		}
		now := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)
		if ok, err := store.InsertRecord(ctx, testRecord("r1", "s1", now.Add(-time.Minute))); err != nil || !ok {
			t.Fatalf("insert: ok=%v err=%v", ok, err)
		}
		if ok, _ := store.Claim(ctx, "r1", now); !ok {
			t.Fatal("claim failed")
		}

		// Wrong from-status is refused without touching the row.
		ok, err := store.Transition(ctx, "r1", delivery.StatusPending, delivery.StatusSkipped, delivery.Mutation{})
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("transition from wrong status succeeded")
		}

		p := summary.Payload{Subject: "Your recap", Body: "lines"}
		ok, err = store.Transition(ctx, "r1", delivery.StatusGenerating, delivery.StatusDelivering, delivery.Mutation{Payload: &p})
		if err != nil || !ok {
			t.Fatalf("to delivering: ok=%v err=%v", ok, err)
		}

		at := now.Add(2 * time.Second)
		ok, err = store.Transition(ctx, "r1", delivery.StatusDelivering, delivery.StatusDelivered, delivery.Mutation{DeliveredAt: &at})
		if err != nil || !ok {
			t.Fatalf("to delivered: ok=%v err=%v", ok, err)
		}

		got, _, _ := store.GetRecord(ctx, "r1")
		if got.Status != delivery.StatusDelivered {
			t.Errorf("status = %s", got.Status)
		}
		if got.Payload == nil || got.Payload.Subject != "Your recap" || got.Payload.Body != "lines" {
			t.Errorf("payload = %+v", got.Payload)
		}
		if got.DeliveredAt == nil || !got.DeliveredAt.Equal(at) {
			t.Errorf("delivered_at = %v, want %v", got.DeliveredAt, at)
		}
	})
}

func TestLatestAndCountUpcoming(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store delivery.Store) {
		ctx := context.Background()
		if err := store.PutSchedule(ctx, testSchedule(t, "s1")); err != nil {
			t.Fatal(err)
		}

		if _, ok, err := store.LatestOccurrence(ctx, "s1"); err != nil || ok {
			t.Fatalf("empty store: ok=%v err=%v", ok, err)
		}

		base := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
		for i, id := range []string{"r1", "r2", "r3"} {
			rec := testRecord(id, "s1", base.AddDate(0, 0, 7*i))
			if ok, err := store.InsertRecord(ctx, rec); err != nil || !ok {
				t.Fatalf("insert %s: ok=%v err=%v", id, ok, err)
			}
		}

		latest, ok, err := store.LatestOccurrence(ctx, "s1")
		if err != nil || !ok {
			t.Fatalf("latest: ok=%v err=%v", ok, err)
		}
		if want := base.AddDate(0, 0, 14).Add(15 * time.Minute); !latest.Equal(want) {
			t.Errorf("latest = %v, want %v", latest, want)
		}

		n, err := store.CountUpcoming(ctx, "s1", base.Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("upcoming = %d, want 2", n)
		}
	})
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store delivery.Store) {
		ctx := context.Background()
		if err := store.PutSchedule(ctx, testSchedule(t, "s1")); err != nil {
			t.Fatal(err)
		}
		now := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)
		if ok, err := store.InsertRecord(ctx, testRecord("r1", "s1", now)); err != nil || !ok {
			t.Fatalf("insert: ok=%v err=%v", ok, err)
		}

		if err := store.DeleteSchedule(ctx, "s1"); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := store.GetSchedule(ctx, "s1"); found {
			t.Error("schedule survived delete")
		}
		if _, found, _ := store.GetRecord(ctx, "r1"); found {
			t.Error("record survived schedule delete")
		}
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "recap.db")

	store, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PutSchedule(ctx, testSchedule(t, "s1")); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)
	if ok, err := store.InsertRecord(ctx, testRecord("r1", "s1", now)); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, found, err := store.GetSchedule(ctx, "s1"); err != nil || !found {
		t.Fatalf("schedule after reopen: found=%v err=%v", found, err)
	}
	rec, found, err := store.GetRecord(ctx, "r1")
	if err != nil || !found {
		t.Fatalf("record after reopen: found=%v err=%v", found, err)
	}
	if rec.Status != delivery.StatusPending {
		t.Errorf("status after reopen = %s", rec.Status)
	}
}

func ids(recs []delivery.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
