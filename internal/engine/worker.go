package engine

import (
	"context"
	"errors"

	"recap/internal/delivery"
	logx "recap/pkg/logx"
)

var errScheduleGone = errors.New("schedule no longer exists")

// worker pulls due records off the queue and runs each through the delivery
// pipeline. It exits on stopCh/ctx; the queue is never closed.
func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan delivery.Record, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	log.Debug("engine worker started")
	defer log.Debug("engine worker exited")

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case rec := <-queue:
			s.process(ctx, rec)
		}
	}
}

// process drives one record: claim, generate, deliver. Every step is a
// conditional store update, so a crashed sibling process or a concurrent
// stall sweep can interleave at any point without producing a duplicate
// email.
func (s *Service) process(ctx context.Context, rec delivery.Record) {
	ok, err := s.lifecycle.Claim(ctx, rec.ID)
	if err != nil {
		s.log.Error("claim failed", logx.String("id", rec.ID), logx.Err(err))
		return
	}
	if !ok {
		// Another worker (possibly in another process) got there first, or
		// the record left pending between the tick's query and now.
		s.smu.Lock()
		s.stats.RaceLosses++
		s.smu.Unlock()
		s.log.Debug("claim lost", logx.String("id", rec.ID))
		return
	}
	s.smu.Lock()
	s.stats.Claimed++
	s.smu.Unlock()

	sc, found, err := s.store.GetSchedule(ctx, rec.ScheduleID)
	if err != nil || !found {
		if err == nil {
			err = errScheduleGone
		}
		s.failRecord(ctx, rec, delivery.StatusGenerating, err)
		return
	}

	payload, err := s.summarizer.Summarize(ctx, sc.OwnerID, rec.WindowStart, rec.WindowEnd, sc.Scope)
	if err != nil {
		s.failRecord(ctx, rec, delivery.StatusGenerating, err)
		return
	}
	if err := s.lifecycle.ContentReady(ctx, rec.ID, payload); err != nil {
		// The stall sweep may have failed the record under us; nothing to
		// roll back, the store already holds the outcome.
		s.log.Warn("content-ready transition refused", logx.String("id", rec.ID), logx.Err(err))
		return
	}

	s.mu.Lock()
	limiter := s.limiter
	channel := s.cfg.Channel
	s.mu.Unlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			s.failRecord(ctx, rec, delivery.StatusDelivering, err)
			return
		}
	}

	if err := s.transport.Deliver(ctx, sc.OwnerID, channel, payload); err != nil {
		s.failRecord(ctx, rec, delivery.StatusDelivering, err)
		return
	}
	if err := s.lifecycle.Sent(ctx, rec.ID); err != nil {
		s.log.Warn("sent transition refused", logx.String("id", rec.ID), logx.Err(err))
		return
	}

	s.smu.Lock()
	s.stats.Delivered++
	s.smu.Unlock()
	s.publish(EventDelivered, rec, sc.OwnerID, nil)
	s.log.Info("summary delivered",
		logx.String("id", rec.ID),
		logx.String("schedule", rec.ScheduleID),
		logx.String("owner", sc.OwnerID),
		logx.Time("occurrence", rec.OccurrenceAt))
}

func (s *Service) failRecord(ctx context.Context, rec delivery.Record, from delivery.Status, cause error) {
	if err := s.lifecycle.Fail(ctx, rec.ID, from, cause); err != nil {
		s.log.Warn("fail transition refused", logx.String("id", rec.ID), logx.Err(err))
		return
	}
	s.smu.Lock()
	s.stats.Failed++
	s.smu.Unlock()
	s.publish(EventFailed, rec, "", cause)
}
