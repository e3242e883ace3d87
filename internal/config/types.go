package config

import "fmt"

// Config is the root configuration for recapd.
//
// Files may be JSON or YAML; unknown keys are rejected so typos fail loudly
// at load time instead of being silently ignored.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the persistence backend the engine coordinates
	// through. The sqlite driver is the production choice; memory exists
	// for tests and throwaway runs.
	Storage StorageConfig `json:"storage"`

	// Engine controls the scheduler loop (tick cadence, worker pool,
	// materialization horizon, stall sweep).
	Engine EngineConfig `json:"engine"`

	// Schedules optionally points at a seed file of schedule rules loaded
	// into the store at boot. Production deployments normally feed rules
	// through the store directly; the seed file keeps recapd useful
	// standalone.
	Schedules SchedulesConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recap.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the scheduler loop.
//
// All durations are Go duration strings (e.g. "30s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "60s"
//   - workers: 4
//   - queue_size: 256
//   - horizon: 3
//   - stall_timeout: "15m"
//   - deliver_rate_per_sec: 5
//   - channel: "email"
type EngineConfig struct {
	Enabled bool `json:"enabled"`

	// Tick is how often the loop polls for due deliveries. Either a Go
	// duration string or a cron spec ("*/2 * * * *").
	Tick string `json:"tick,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// Horizon is how many future occurrences per schedule the planner keeps
	// materialized.
	Horizon int `json:"horizon,omitempty"`

	// StallTimeout is how long a claimed delivery may sit in
	// generating/delivering before the recovery sweep fails it.
	// "0s" disables the sweep.
	StallTimeout string `json:"stall_timeout,omitempty"`

	// DeliverRatePerSec caps hand-offs to the delivery transport so a burst
	// of due records cannot hammer the mail provider.
	DeliverRatePerSec int `json:"deliver_rate_per_sec,omitempty"`

	// Channel is the delivery channel label passed to the transport.
	Channel string `json:"channel,omitempty"`
}

type SchedulesConfig struct {
	Path string `json:"path,omitempty"`
}

// Validate performs field-level checks that do not require I/O.
// Duration strings are parsed here so a bad config is rejected before
// the engine ever starts.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.stall_timeout", c.Engine.StallTimeout); err != nil {
		return err
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers: must be >= 0")
	}
	if c.Engine.Horizon < 0 {
		return fmt.Errorf("engine.horizon: must be >= 0")
	}
	if c.Engine.DeliverRatePerSec < 0 {
		return fmt.Errorf("engine.deliver_rate_per_sec: must be >= 0")
	}
	return nil
}
