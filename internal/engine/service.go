package engine

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"recap/internal/delivery"
	"recap/internal/eventbus"
	"recap/internal/summary"
	"recap/internal/transport"
	logx "recap/pkg/logx"
)

func New(cfg Config, store delivery.Store, sum summary.Summarizer, tr transport.Transport, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:        cfg,
		log:        log,
		store:      store,
		lifecycle:  delivery.NewLifecycle(store, log),
		planner:    delivery.NewPlanner(store, log),
		summarizer: sum,
		transport:  tr,
		bus:        bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		limiter: newLimiter(cfg.DeliverRatePerSec),
		now:     time.Now,
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// SetNow overrides the clock for the service and its planner/lifecycle.
// Tests only.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
	s.planner.SetNow(now)
	s.lifecycle.SetNow(now)
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Requeue is the operator surface for retrying a failed delivery.
func (s *Service) Requeue(ctx context.Context, id string) error {
	return s.lifecycle.Requeue(ctx, id)
}

// Apply adopts a new config at runtime. A changed tick spec restarts the
// cron driver; the rate limiter is swapped in place.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTick := s.cfg.Tick
	s.cfg = cfg
	s.limiter = newLimiter(cfg.DeliverRatePerSec)

	if s.stopCh == nil {
		return
	}
	if oldTick != cfg.Tick {
		s.restartCronLocked()
	}
	// Pool resizing at runtime is not supported; stop/start the service.
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	s.log.Debug("start requested",
		logx.Bool("enabled", cur.Enabled),
		logx.Int("workers", cur.Workers),
		logx.String("tick", cur.Tick))

	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		// already running (no stop in progress)
		if done == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop and try again
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	// Fresh queue per run to avoid delivering stale records after a stop/start toggle.
	s.queue = make(chan delivery.Record, s.cfg.QueueSize)

	s.c = cron.New(cron.WithParser(s.parser))
	s.registerTickLocked()

	// Local captures prevent races if fields are swapped/nilled during Stop().
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in engine worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}
	s.c.Start()
	s.log.Info("engine started",
		logx.Int("workers", workers),
		logx.String("tick", s.cfg.Tick),
		logx.Int("horizon", s.cfg.Horizon))

	// Run the first tick immediately instead of waiting a full interval.
	go s.tick()
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")
	// If a stop is already in progress, just wait (best-effort).
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
	// Initiate stop.
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	// prevent new cron ticks quickly
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	// signal workers to exit promptly
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	if c != nil {
		<-c.Stop().Done()
	}

	// finalize cleanup in background so Stop() can return on timeout safely.
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

// registerTickLocked adds the tick job to the cron instance. Call with s.mu held.
func (s *Service) registerTickLocked() {
	spec := tickSpec(s.cfg.Tick)
	if _, err := s.c.AddFunc(spec, s.tick); err != nil {
		s.log.Error("invalid tick spec; falling back to 60s",
			logx.String("tick", s.cfg.Tick), logx.Err(err))
		_, _ = s.c.AddFunc("@every 60s", s.tick)
	}
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.c = cron.New(cron.WithParser(s.parser))
	s.registerTickLocked()
	s.c.Start()
	s.log.Info("tick driver restarted", logx.String("tick", s.cfg.Tick))
}

// tickSpec maps a config tick value onto a cron spec: plain durations become
// "@every", anything else is handed to the cron parser as-is.
func tickSpec(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "@every 60s"
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return "@every " + d.String()
	}
	return raw
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	queueLen := 0
	if s.queue != nil {
		queueLen = len(s.queue)
	}
	s.mu.Unlock()

	s.smu.Lock()
	stats := s.stats
	s.smu.Unlock()

	return Snapshot{
		Enabled:  cfg.Enabled,
		Tick:     cfg.Tick,
		Workers:  cfg.Workers,
		QueueLen: queueLen,
		Stats:    stats,
	}
}

func (s *Service) publish(typ string, rec delivery.Record, ownerID string, cause error) {
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{
		ID:           rec.ID,
		ScheduleID:   rec.ScheduleID,
		OwnerID:      ownerID,
		OccurrenceAt: rec.OccurrenceAt,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
