// Package delivery owns the delivery record model, the persistence port the
// engine coordinates through, the record state machine, and the planner that
// materializes upcoming occurrences.
//
// A Record is the unit of work: one planned occurrence of one schedule. The
// (ScheduleID, OccurrenceAt) pair is the de-duplication key; the store
// enforces it with a unique constraint and the planner treats an insert
// collision as "already planned", not an error.
package delivery

import (
	"time"

	"recap/internal/summary"
)

// Status is the delivery record lifecycle state.
//
// Legal transitions (see Lifecycle):
//
//	pending --claim--> generating --content ready--> delivering --sent--> delivered
//	pending --skip--> skipped
//	generating/delivering --fail--> failed
//	failed --requeue--> pending   (operator only)
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the engine will never touch the record again.
// Failed is terminal too unless an operator requeues it.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusSkipped || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusGenerating, StatusDelivering, StatusDelivered, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// Record is one materialized occurrence of a schedule.
//
// Records are created by the Planner in pending state, mutated only through
// Lifecycle, and never deleted by the engine: delivered/skipped/failed rows
// are retained as audit history. Only deleting the owning schedule cascades.
type Record struct {
	ID         string
	ScheduleID string

	// OccurrenceAt is the planned occurrence instant (UTC).
	OccurrenceAt time.Time
	// TriggerAt is OccurrenceAt minus the schedule's lead time; delivery
	// preparation may begin once TriggerAt has passed.
	TriggerAt time.Time

	WindowStart time.Time
	WindowEnd   time.Time

	Status Status

	// Payload is set once content generation succeeds.
	Payload *summary.Payload
	// ErrorMessage is set when the record fails; it is surfaced to the
	// owner so they can see why a summary never arrived.
	ErrorMessage string
	DeliveredAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
