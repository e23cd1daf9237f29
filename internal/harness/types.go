package harness

import (
	"fmt"

	"github.com/roach88/tessera/internal/registry"
)

// TraceEvent is the stable part of one logged event. Absolute paths,
// timestamps and checksums are left out so traces compare across runs.
type TraceEvent struct {
	ID      uint64 `json:"event_id"`
	Ticket  string `json:"ticket_id"`
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Request string `json:"request,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when no step expectation, assertion or replay check
	// failed.
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	Trace []TraceEvent `json:"trace"`

	// State is the final live registry; Replayed is the same log applied
	// to an empty registry.
	State    *registry.Snapshot `json:"state"`
	Replayed *registry.Snapshot `json:"-"`

	// Requests maps the scenario's request names to write request ids.
	Requests map[string]string `json:"requests,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Requests: make(map[string]string),
	}
}

// AddError records a failure.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// requestName maps a request id back to the name the scenario bound it
// to, or returns the id.
func (r *Result) requestName(id string) string {
	for name, rid := range r.Requests {
		if rid == id {
			return name
		}
	}
	return id
}
