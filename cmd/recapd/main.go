package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recap/internal/config"
	"recap/internal/delivery"
	"recap/internal/engine"
	"recap/internal/eventbus"
	"recap/internal/rule"
	"recap/internal/storage"
	"recap/internal/summary"
	"recap/internal/transport"
	logx "recap/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(loggingConfig(cfg.Logging))
	defer logSvc.Close()
	mgr.SetLogger(log)

	store, err := storage.Open(storageConfig(cfg.Storage), log)
	if err != nil {
		log.Error("storage open failed", logx.Err(err))
		os.Exit(1)
	}
	defer store.Close()

	if path := cfg.Schedules.Path; path != "" {
		if err := seedSchedules(ctx, store, path, log); err != nil {
			log.Error("schedule seeding failed", logx.String("path", path), logx.Err(err))
			os.Exit(1)
		}
	}

	bus := eventbus.New()
	eng := engine.New(
		engineConfig(cfg.Engine),
		store,
		summary.Text{},
		transport.Log{Logger: log},
		bus,
		log.With(logx.String("component", "engine")),
	)
	eng.Start(ctx)

	// Hot reload: re-validate on change, then push the new config into the
	// running services.
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	sub := mgr.Subscribe(4)
	go func() {
		for c := range sub {
			logSvc.Apply(loggingConfig(c.Logging))
			eng.Apply(engineConfig(c.Engine))
		}
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	eng.Stop(stopCtx)
	stopCancel()
	mgr.Unsubscribe(sub)
}

// seedSchedules upserts every rule in the seed file. Existing records for a
// schedule are kept; only the rule itself is replaced.
func seedSchedules(ctx context.Context, store delivery.Store, path string, log logx.Logger) error {
	schedules, err := rule.LoadFile(path)
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if err := store.PutSchedule(ctx, s); err != nil {
			return fmt.Errorf("schedule %q: %w", s.ID, err)
		}
	}
	log.Info("schedules seeded", logx.Int("count", len(schedules)), logx.String("path", path))
	return nil
}

func loggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func storageConfig(c config.StorageConfig) storage.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}
}

func engineConfig(c config.EngineConfig) engine.Config {
	stall, _ := config.ParseDurationDefault("engine.stall_timeout", c.StallTimeout, 15*time.Minute)
	return engine.Config{
		Enabled:           c.Enabled,
		Tick:              c.Tick,
		Workers:           c.Workers,
		QueueSize:         c.QueueSize,
		Horizon:           c.Horizon,
		StallTimeout:      stall,
		DeliverRatePerSec: c.DeliverRatePerSec,
		Channel:           c.Channel,
	}
}
