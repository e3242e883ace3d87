package delivery

import (
	"context"
	"time"

	"recap/internal/rule"
	"recap/internal/summary"
)

// Mutation carries the optional field updates applied together with a status
// transition. Nil fields are left untouched; a pointer to the zero value
// clears the field (used by Requeue to drop a stale error message).
type Mutation struct {
	Payload      *summary.Payload
	ErrorMessage *string
	DeliveredAt  *time.Time
}

// Store is the persistence port the engine coordinates through. It is the
// single source of truth under replication: several engine processes may
// share one store, and correctness rests on Claim and Transition being
// single conditional updates, never read-then-write.
//
// Implementations live in internal/storage (sqlite, memory).
type Store interface {
	// PutSchedule inserts or replaces a schedule rule. The rule must have
	// passed Validate.
	PutSchedule(ctx context.Context, s rule.Schedule) error
	GetSchedule(ctx context.Context, id string) (rule.Schedule, bool, error)
	// ListEnabledSchedules returns every enabled rule. Disabled rules are
	// invisible to the engine by design.
	ListEnabledSchedules(ctx context.Context) ([]rule.Schedule, error)
	// DeleteSchedule removes a rule and cascades to its delivery records.
	// This is the only path that ever deletes records.
	DeleteSchedule(ctx context.Context, id string) error

	// InsertRecord adds a pending record. It returns (false, nil) when a
	// record for the same (ScheduleID, OccurrenceAt) already exists.
	InsertRecord(ctx context.Context, rec Record) (bool, error)
	GetRecord(ctx context.Context, id string) (Record, bool, error)
	// ListRecords returns up to limit records for a schedule, newest
	// occurrence first. limit <= 0 means no limit.
	ListRecords(ctx context.Context, scheduleID string, limit int) ([]Record, error)

	// LatestOccurrence reports the most recent materialized occurrence for
	// a schedule, or ok=false when none exist.
	LatestOccurrence(ctx context.Context, scheduleID string) (time.Time, bool, error)
	// CountUpcoming counts records with OccurrenceAt strictly after the
	// given instant.
	CountUpcoming(ctx context.Context, scheduleID string, after time.Time) (int, error)

	// QueryDue returns pending records whose trigger time has passed,
	// oldest trigger first.
	QueryDue(ctx context.Context, now time.Time) ([]Record, error)
	// QueryStalled returns generating/delivering records not touched since
	// `before` — casualties of a crashed worker.
	QueryStalled(ctx context.Context, before time.Time) ([]Record, error)

	// Claim atomically moves a record from pending to generating, but only
	// if it is still pending and its trigger time is <= now. It returns
	// false when another worker won the race or the record is not due.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// Transition atomically moves a record from one status to another,
	// applying mut in the same update. It returns false if the record was
	// not in the expected from status.
	Transition(ctx context.Context, id string, from, to Status, mut Mutation) (bool, error)

	Close() error
}
