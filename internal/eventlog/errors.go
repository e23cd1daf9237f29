package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Log.
	ErrClosed = errors.New("eventlog: closed")

	// ErrInvalidEvent is returned by Append for events without a type.
	ErrInvalidEvent = errors.New("eventlog: invalid event")
)

// Corruption reasons recorded in the quarantine stream.
const (
	ReasonMalformedJSON    = "malformed_json"
	ReasonMissingID        = "missing_id"
	ReasonMissingType      = "missing_type"
	ReasonChecksumMismatch = "checksum_mismatch"
)

// CorruptRecordError describes one unreadable line of the log. Readers
// yield it in place of the event and continue with the next line.
type CorruptRecordError struct {
	Offset  int64
	EventID uint64 // zero when the id could not be parsed
	Reason  string
	Detail  string
}

func (e *CorruptRecordError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("corrupt record at offset %d: %s: %s", e.Offset, e.Reason, e.Detail)
	}
	return fmt.Sprintf("corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// IsCorrupt reports whether err is (or wraps) a CorruptRecordError.
func IsCorrupt(err error) bool {
	var ce *CorruptRecordError
	return errors.As(err, &ce)
}

// AsCorrupt extracts the CorruptRecordError from err.
func AsCorrupt(err error) (*CorruptRecordError, bool) {
	var ce *CorruptRecordError
	ok := errors.As(err, &ce)
	return ce, ok
}
