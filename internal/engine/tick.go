package engine

import (
	"context"
	"errors"
	"time"

	"recap/internal/delivery"
	"recap/internal/rule"
	logx "recap/pkg/logx"
)

// errStalled is pinned to records abandoned in flight by a crashed worker.
var errStalled = errors.New("worker did not finish within the stall timeout")

// tick is one pass of the scheduler loop. Overlapping ticks are skipped: if
// the previous pass is still working through a large backlog, firing another
// would only double-query the store.
func (s *Service) tick() {
	if !s.tickRunning.CompareAndSwap(false, true) {
		s.log.Debug("tick skipped (previous tick still running)")
		return
	}
	defer s.tickRunning.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	cfg := s.cfg
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !cfg.Enabled {
		return
	}

	now := s.now()
	s.smu.Lock()
	s.stats.Ticks++
	s.stats.LastTick = now
	s.smu.Unlock()

	schedules, err := s.topUp(ctx, cfg)
	if err != nil {
		// Without the enabled set, dispatchDue cannot tell a disabled
		// schedule from a live one and would retire records it must not
		// touch. Due records stay pending; the next tick retries.
		return
	}
	s.sweepStalled(ctx, cfg, now)
	s.dispatchDue(ctx, schedules, now)
}

// topUp keeps every enabled schedule materialized out to the horizon and
// returns the enabled set so dispatchDue can tell live schedules from
// disabled ones without re-querying per record. A list failure aborts the
// tick; per-schedule materialization failures do not.
func (s *Service) topUp(ctx context.Context, cfg Config) (map[string]rule.Schedule, error) {
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		s.log.Error("listing schedules failed", logx.Err(err))
		return nil, err
	}

	enabled := make(map[string]rule.Schedule, len(schedules))
	for _, sc := range schedules {
		enabled[sc.ID] = sc
		created, err := s.planner.MaterializeUpcoming(ctx, sc, cfg.Horizon)
		if err != nil {
			// A rule that cannot produce occurrences is a defect in the
			// rule, not the loop; keep the other schedules going.
			s.log.Error("materialization failed", logx.String("schedule", sc.ID), logx.Err(err))
			continue
		}
		if created > 0 {
			s.smu.Lock()
			s.stats.Materialized += uint64(created)
			s.smu.Unlock()
		}
	}
	return enabled, nil
}

// sweepStalled fails in-flight records that have not been touched within the
// stall timeout. They are casualties of a crashed or wedged worker; failing
// them (rather than silently retrying) preserves the no-duplicate-email
// posture and surfaces the problem to the owner.
func (s *Service) sweepStalled(ctx context.Context, cfg Config, now time.Time) {
	if cfg.StallTimeout <= 0 {
		return
	}
	stalled, err := s.store.QueryStalled(ctx, now.Add(-cfg.StallTimeout))
	if err != nil {
		s.log.Error("stall sweep query failed", logx.Err(err))
		return
	}
	for _, rec := range stalled {
		if err := s.lifecycle.Fail(ctx, rec.ID, rec.Status, errStalled); err != nil {
			// Raced with the worker finishing after all; leave it be.
			s.log.Debug("stall sweep lost race", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		s.smu.Lock()
		s.stats.Stalled++
		s.smu.Unlock()
		s.publish(EventFailed, rec, "", errStalled)
		s.log.Warn("stalled delivery failed by sweep",
			logx.String("id", rec.ID),
			logx.String("schedule", rec.ScheduleID),
			logx.Time("updated_at", rec.UpdatedAt))
	}
}

// dispatchDue retires due records of disabled/deleted schedules and hands the
// rest to the worker pool.
func (s *Service) dispatchDue(ctx context.Context, enabled map[string]rule.Schedule, now time.Time) {
	due, err := s.store.QueryDue(ctx, now)
	if err != nil {
		s.log.Error("due query failed", logx.Err(err))
		return
	}
	for _, rec := range due {
		if _, ok := enabled[rec.ScheduleID]; !ok {
			// Schedule disabled (or removed) after the record was planned:
			// skip the record instead of delivering a summary nobody asked
			// to keep receiving.
			if err := s.lifecycle.Skip(ctx, rec.ID); err != nil {
				s.log.Debug("skip lost race", logx.String("id", rec.ID), logx.Err(err))
				continue
			}
			s.smu.Lock()
			s.stats.Skipped++
			s.smu.Unlock()
			s.publish(EventSkipped, rec, "", nil)
			continue
		}
		s.enqueue(rec)
	}
}

func (s *Service) enqueue(rec delivery.Record) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("engine not running; dropping record", logx.String("id", rec.ID))
		return
	}
	select {
	case q <- rec:
		// ok
	default:
		// The record stays pending and the next tick retries it; claiming
		// happens in the worker, so nothing is lost.
		s.log.Warn("engine queue full; record deferred to next tick",
			logx.String("id", rec.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)))
	}
}
