// Package storage implements the delivery.Store port.
//
// Two drivers exist:
//   - "sqlite": the production backend. A single database file is the
//     coordination point between replicated engine processes; claims are
//     conditional UPDATEs checked by affected-row count.
//   - "memory": mutex-guarded maps with identical semantics, for tests and
//     embedders that do not want a file on disk.
//
// All instants are persisted as UTC unix milliseconds.
package storage
