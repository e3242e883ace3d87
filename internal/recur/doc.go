// Package recur computes occurrence instants for schedule rules.
//
// # Model
//
// Next answers one question: given a rule and a reference instant, what is the
// earliest instant strictly after the reference that satisfies the rule's
// cadence? All calendar arithmetic is civil — performed on wall-clock fields
// in the rule's zone — so a "every weekday at 09:00" rule keeps firing at
// 09:00 local across daylight-saving shifts.
//
// # Clamping
//
// Day-of-month rules clamp, never roll over: a rule for day 31 fires on
// April 30, not May 1. Calendars differ on this point between
// implementations, so the policy is pinned here and covered by tests.
//
// # Purity
//
// Both Next and Window are pure and safe for concurrent use. Next returns
// ErrNoOccurrence if no candidate is found within a 400-step bound; that is a
// safety valve for defective rules, not a normal code path.
package recur
