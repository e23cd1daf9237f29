// Package harness replays scripted registry scenarios and snapshots them.
//
// A scenario drives a live registry through a sequence of operations
// (locks, writes, dependencies, task lifecycle events) on a manual clock,
// then checks three things:
//
//   - every step's expectation (a refused lock, a failed validation)
//   - the scenario's assertions against the event trace and final state
//   - that replaying the resulting event log into an empty registry
//     reproduces the live state exactly
//
// # Scenario Format
//
//	name: lock_handover
//	description: "A released lock can be taken by the next ticket"
//	steps:
//	  - op: acquire
//	    ticket: T-1
//	    paths: [src/x.go]
//	  - op: release
//	    ticket: T-1
//	    path: src/x.go
//	  - op: acquire
//	    ticket: T-2
//	    paths: [src/x.go]
//	assertions:
//	  - type: lock
//	    path: src/x.go
//	    owner: T-2
//	  - type: event_order
//	    events: [FILE_LOCKED, FILE_UNLOCKED, FILE_LOCKED]
//
// # Golden Snapshots
//
// RunWithGolden renders the trace and final state as text and compares it
// with testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
