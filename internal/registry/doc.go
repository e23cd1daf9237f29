// Package registry provides the SQLite-backed file registry: file
// ownership and content hashes, file relationships, advisory locks, write
// requests, contract decisions and task status.
//
// # Event sourcing
//
// The registry is a materialized view of the event log. Live mutations
// append their events and apply them with the same functions replay uses,
// inside one IMMEDIATE transaction. applied_events makes every apply
// idempotent, so replaying any prefix of the log twice equals replaying it
// once.
//
// # Locks
//
// Lock state is the lock_status/lock_owner/lock_expiry columns of files
// and nothing else. Batch acquisition is all-or-nothing. Expired locks are
// reclaimed by the next acquirer with a FILE_LOCK_RECLAIMED event and a
// WARN log; expiry is compared against wall time, so lock TTLs must be
// chosen well above any expected clock skew.
//
// # Generations
//
// A registry directory holds one or more database files and a CURRENT
// pointer naming the live one. Rebuilds write a new generation and swap
// the pointer with rename(2).
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - _txlock=immediate: every transaction takes the write lock up front
package registry
