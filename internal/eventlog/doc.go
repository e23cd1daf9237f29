// Package eventlog implements the append-only ndjson event log that is the
// single source of truth for tessera. Every other store is a view of it.
//
// # Record format
//
// One JSON object per line:
//
//	{"event_id":1,"ticket_id":"T-1","type":"FILE_LOCKED","timestamp":1700000000000,"payload":{...},"checksum":"..."}
//
// The checksum is SHA-256 over "tessera/event/v1" + 0x00 + the canonical
// JSON (RFC 8785 key order, NFC strings) of every other field.
//
// # Guarantees
//
//   - Single writer: an in-process mutex plus flock(2) on "<path>.lock"
//   - Strictly increasing ids and non-decreasing timestamps
//   - Line atomic appends: one write per batch, truncated back on failure
//   - Corrupt lines are copied once to "<path>.quarantine" and skipped,
//     never rewritten or deleted
package eventlog
