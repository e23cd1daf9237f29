package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrReadOnly is returned by mutations on a registry opened without an
	// event log (a replay target).
	ErrReadOnly = errors.New("registry: read-only")

	// ErrNotFound is returned when a file or write request does not exist.
	ErrNotFound = errors.New("registry: not found")

	// ErrNotOwner is returned when a ticket releases or writes a path
	// locked by another ticket.
	ErrNotOwner = errors.New("registry: lock held by another ticket")

	// ErrTerminal is returned when a write request that already reached
	// failed, committed or rolled_back is asked to transition again.
	ErrTerminal = errors.New("registry: write request is terminal")

	// ErrPhase is returned when a write request transition is attempted
	// out of order (commit before validate).
	ErrPhase = errors.New("registry: write request in wrong phase")

	// ErrWriteInvalid is returned by ValidateWrite when an intent fails.
	ErrWriteInvalid = errors.New("registry: write validation failed")

	// ErrInvalidDependency is returned for edges with an unknown type or
	// identical endpoints.
	ErrInvalidDependency = errors.New("registry: invalid dependency")
)

// PathError reports a path rejected by validation.
type PathError struct {
	Path   string
	Reason Reason
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// IsPathError reports whether err is (or wraps) a PathError.
func IsPathError(err error) bool {
	var pe *PathError
	return errors.As(err, &pe)
}
