package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"recap/internal/delivery"
	"recap/internal/rule"
)

// memoryStore keeps everything in maps behind one mutex. The mutex makes
// Claim and Transition atomic, which is all the correctness the engine needs
// from a store; it is obviously not shared across processes.
type memoryStore struct {
	mu        sync.Mutex
	schedules map[string]rule.Schedule
	records   map[string]delivery.Record
	// byKey maps "scheduleID|occurrenceUnixMilli" -> record ID, enforcing
	// the planner's de-duplication key.
	byKey map[string]string
}

// NewMemory returns an empty in-process store.
func NewMemory() delivery.Store {
	return &memoryStore{
		schedules: map[string]rule.Schedule{},
		records:   map[string]delivery.Record{},
		byKey:     map[string]string{},
	}
}

func (s *memoryStore) Close() error { return nil }

func dedupKey(scheduleID string, occurrence time.Time) string {
	return fmt.Sprintf("%s|%d", scheduleID, occurrence.UnixMilli())
}

// ---- schedules ----

func (s *memoryStore) PutSchedule(_ context.Context, sc rule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = sc
	return nil
}

func (s *memoryStore) GetSchedule(_ context.Context, id string) (rule.Schedule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	return sc, ok, nil
}

func (s *memoryStore) ListEnabledSchedules(_ context.Context) ([]rule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rule.Schedule
	for _, sc := range s.schedules {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	// Cascade, mirroring the sqlite foreign key.
	for rid, rec := range s.records {
		if rec.ScheduleID == id {
			delete(s.records, rid)
			delete(s.byKey, dedupKey(rec.ScheduleID, rec.OccurrenceAt))
		}
	}
	return nil
}

// ---- delivery records ----

func (s *memoryStore) InsertRecord(_ context.Context, rec delivery.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(rec.ScheduleID, rec.OccurrenceAt)
	if _, exists := s.byKey[key]; exists {
		return false, nil
	}
	if _, exists := s.records[rec.ID]; exists {
		return false, nil
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	s.records[rec.ID] = rec
	s.byKey[key] = rec.ID
	return true, nil
}

func (s *memoryStore) GetRecord(_ context.Context, id string) (delivery.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *memoryStore) ListRecords(_ context.Context, scheduleID string, limit int) ([]delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Record
	for _, rec := range s.records {
		if rec.ScheduleID == scheduleID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurrenceAt.After(out[j].OccurrenceAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) LatestOccurrence(_ context.Context, scheduleID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	found := false
	for _, rec := range s.records {
		if rec.ScheduleID == scheduleID && rec.OccurrenceAt.After(latest) {
			latest = rec.OccurrenceAt
			found = true
		}
	}
	return latest, found, nil
}

func (s *memoryStore) CountUpcoming(_ context.Context, scheduleID string, after time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.ScheduleID == scheduleID && rec.OccurrenceAt.After(after) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) QueryDue(_ context.Context, now time.Time) ([]delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Record
	for _, rec := range s.records {
		if rec.Status == delivery.StatusPending && !rec.TriggerAt.After(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerAt.Before(out[j].TriggerAt) })
	return out, nil
}

func (s *memoryStore) QueryStalled(_ context.Context, before time.Time) ([]delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Record
	for _, rec := range s.records {
		inFlight := rec.Status == delivery.StatusGenerating || rec.Status == delivery.StatusDelivering
		if inFlight && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *memoryStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != delivery.StatusPending || rec.TriggerAt.After(now) {
		return false, nil
	}
	rec.Status = delivery.StatusGenerating
	rec.UpdatedAt = now
	s.records[id] = rec
	return true, nil
}

func (s *memoryStore) Transition(_ context.Context, id string, from, to delivery.Status, mut delivery.Mutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.UpdatedAt = time.Now()
	if mut.Payload != nil {
		p := *mut.Payload
		rec.Payload = &p
	}
	if mut.ErrorMessage != nil {
		rec.ErrorMessage = *mut.ErrorMessage
	}
	if mut.DeliveredAt != nil {
		at := *mut.DeliveredAt
		rec.DeliveredAt = &at
	}
	s.records[id] = rec
	return true, nil
}
