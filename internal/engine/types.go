package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"recap/internal/delivery"
	"recap/internal/eventbus"
	"recap/internal/summary"
	"recap/internal/transport"
	logx "recap/pkg/logx"
)

// Config controls the scheduler loop.
type Config struct {
	Enabled bool

	// Tick is either a Go duration ("60s") or a cron spec ("*/2 * * * *").
	Tick string

	Workers   int
	QueueSize int

	// Horizon is how many future occurrences per schedule stay materialized.
	Horizon int

	// StallTimeout fails in-flight records abandoned by a crashed worker.
	// Zero disables the sweep.
	StallTimeout time.Duration

	// DeliverRatePerSec caps transport hand-offs. Zero means unlimited.
	DeliverRatePerSec int

	// Channel is the delivery channel label passed to the transport.
	Channel string
}

func (c Config) withDefaults() Config {
	if c.Tick == "" {
		c.Tick = "60s"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Horizon <= 0 {
		c.Horizon = delivery.DefaultHorizon
	}
	if c.Channel == "" {
		c.Channel = "email"
	}
	return c
}

// Event types published on the bus.
const (
	EventDelivered = "delivery.delivered"
	EventFailed    = "delivery.failed"
	EventSkipped   = "delivery.skipped"
)

// DeliveryEvent is the bus payload for delivery lifecycle events.
type DeliveryEvent struct {
	ID           string
	ScheduleID   string
	OwnerID      string
	OccurrenceAt time.Time
	Error        string
}

// Stats are cumulative since Start.
type Stats struct {
	Ticks        uint64
	Materialized uint64
	Claimed      uint64
	Delivered    uint64
	Failed       uint64
	Skipped      uint64
	RaceLosses   uint64
	Stalled      uint64
	LastTick     time.Time
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Tick     string
	Workers  int
	QueueLen int
	Stats    Stats
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	store      delivery.Store
	lifecycle  *delivery.Lifecycle
	planner    *delivery.Planner
	summarizer summary.Summarizer
	transport  transport.Transport
	bus        eventbus.Bus

	parser  cron.Parser
	c       *cron.Cron
	limiter *rate.Limiter

	queue  chan delivery.Record
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// workers fully exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	tickRunning atomic.Bool

	now func() time.Time

	smu   sync.Mutex
	stats Stats
}
