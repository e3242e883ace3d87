// Package engine runs the scheduler loop that turns materialized delivery
// records into sent summaries.
//
// # Overview
//
// A cron-driven tick (default every 60s) does four things: tops up future
// occurrences via the planner, fails deliveries stuck in flight beyond the
// stall timeout, retires due records whose schedule has been disabled, and
// enqueues the remaining due records onto a worker pool.
//
// Each worker claims its record before doing any work. The claim is a
// conditional update on the store, so any number of engine processes can
// share one database: a record is prepared and delivered exactly once, and a
// lost claim race is an expected no-op, not an error.
//
// # Lifecycle
//
// The Service can be started/stopped at runtime (e.g. via config hot
// reload), and Apply() adjusts tick cadence and delivery rate limits without
// a restart where possible.
package engine
