package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"recap/internal/recur"
	"recap/internal/rule"
	logx "recap/pkg/logx"
)

// DefaultHorizon is how many future occurrences per schedule the planner
// keeps materialized when the caller does not say otherwise.
const DefaultHorizon = 3

// Planner materializes upcoming occurrences as pending delivery records.
type Planner struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func NewPlanner(store Store, log logx.Logger) *Planner {
	return &Planner{store: store, log: log, now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (p *Planner) SetNow(now func() time.Time) { p.now = now }

// MaterializeUpcoming tops the schedule up to horizon future records and
// returns how many it created.
//
// It is idempotent: the enumeration cursor advances from the latest known
// occurrence, the missing count is computed against records already in the
// store, and an insert that collides with an existing (schedule, occurrence)
// pair is a no-op. Running it any number of times without time passing
// changes nothing.
func (p *Planner) MaterializeUpcoming(ctx context.Context, s rule.Schedule, horizon int) (int, error) {
	if !s.Enabled {
		return 0, nil
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	now := p.now()
	cursor := now
	if latest, ok, err := p.store.LatestOccurrence(ctx, s.ID); err != nil {
		return 0, err
	} else if ok && latest.After(cursor) {
		cursor = latest
	}

	upcoming, err := p.store.CountUpcoming(ctx, s.ID, now)
	if err != nil {
		return 0, err
	}
	missing := horizon - upcoming
	if missing <= 0 {
		return 0, nil
	}

	created := 0
	for i := 0; i < missing; i++ {
		next, err := recur.Next(s, cursor)
		if err != nil {
			// A rule that cannot produce a future occurrence is a defect;
			// surface it instead of spinning forever.
			return created, err
		}
		start, end := recur.Window(s.Lookback, next, s.Location())
		rec := Record{
			ID:           uuid.NewString(),
			ScheduleID:   s.ID,
			OccurrenceAt: next.UTC(),
			TriggerAt:    s.TriggerFor(next).UTC(),
			WindowStart:  start.UTC(),
			WindowEnd:    end.UTC(),
			Status:       StatusPending,
		}
		inserted, err := p.store.InsertRecord(ctx, rec)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
			p.log.Debug("occurrence materialized",
				logx.String("schedule", s.ID),
				logx.Time("occurrence", rec.OccurrenceAt),
				logx.Time("trigger", rec.TriggerAt),
			)
		}
		cursor = next
	}
	return created, nil
}
