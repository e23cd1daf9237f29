package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/tessera/internal/registry"
)

// AssertionError describes a failed assertion with the trace for context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		buf.WriteString("  trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "    %s\n", traceLine(ev))
		}
	}
	return buf.String()
}

func evaluate(res *Result, a Assertion) error {
	switch a.Type {
	case AssertEventOrder:
		return assertEventOrder(res.Trace, a)
	case AssertEventCount:
		return assertEventCount(res.Trace, a)
	case AssertLock:
		return assertLock(res, a)
	case AssertTask:
		return assertTask(res, a)
	case AssertFile:
		return assertFile(res, a)
	case AssertWrite:
		return assertWrite(res, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func filterTicket(trace []TraceEvent, ticket string) []TraceEvent {
	if ticket == "" {
		return trace
	}
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Ticket == ticket {
			out = append(out, ev)
		}
	}
	return out
}

// assertEventOrder checks that the event types appear in order; other
// events may appear between them.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	scoped := filterTicket(trace, a.Ticket)
	next := 0
	for _, ev := range scoped {
		if next < len(a.Events) && ev.Type == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventOrder,
		Expected: strings.Join(a.Events, " -> "),
		Actual:   fmt.Sprintf("matched %d of %d, missing %s", next, len(a.Events), a.Events[next]),
		Trace:    scoped,
	}
}

func assertEventCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range filterTicket(trace, a.Ticket) {
		if ev.Type == a.Event {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Expected: fmt.Sprintf("%d x %s", a.Count, a.Event),
		Actual:   fmt.Sprintf("%d", n),
		Trace:    trace,
	}
}

func findFile(res *Result, path string) (registry.FileRecord, bool) {
	for _, f := range res.State.Files {
		if f.Path == path {
			return f, true
		}
	}
	return registry.FileRecord{}, false
}

func assertLock(res *Result, a Assertion) error {
	f, _ := findFile(res, a.Path)
	owner := ""
	if f.LockStatus == registry.Locked {
		owner = f.LockOwner
	}
	if owner == a.Owner {
		return nil
	}
	return &AssertionError{
		Type:     AssertLock,
		Expected: fmt.Sprintf("%s held by %q", a.Path, a.Owner),
		Actual:   fmt.Sprintf("held by %q", owner),
	}
}

func assertTask(res *Result, a Assertion) error {
	for _, t := range res.State.Tasks {
		if t.TicketID != a.Ticket {
			continue
		}
		if string(t.Status) == a.Status {
			return nil
		}
		return &AssertionError{Type: AssertTask, Expected: a.Ticket + " " + a.Status, Actual: string(t.Status)}
	}
	return &AssertionError{Type: AssertTask, Expected: a.Ticket + " " + a.Status, Actual: "no such task"}
}

func assertFile(res *Result, a Assertion) error {
	f, ok := findFile(res, a.Path)
	if !ok {
		return &AssertionError{Type: AssertFile, Expected: a.Path + " registered", Actual: "not registered"}
	}
	var problems []string
	if a.Content != nil {
		if want := registry.HashContent([]byte(*a.Content)); f.ContentHash != want {
			problems = append(problems, fmt.Sprintf("content hash %s, want %s", f.ContentHash, want))
		}
	}
	if a.Ticket != "" && f.TicketID != a.Ticket {
		problems = append(problems, fmt.Sprintf("ticket %s, want %s", f.TicketID, a.Ticket))
	}
	if f.Deleted != a.Deleted {
		problems = append(problems, fmt.Sprintf("deleted=%t, want %t", f.Deleted, a.Deleted))
	}
	if len(problems) == 0 {
		return nil
	}
	return &AssertionError{Type: AssertFile, Expected: a.Path, Actual: strings.Join(problems, "; ")}
}

func assertWrite(res *Result, a Assertion) error {
	id, ok := res.Requests[a.Request]
	if !ok {
		return &AssertionError{Type: AssertWrite, Expected: "request " + a.Request, Actual: "never proposed"}
	}
	for _, w := range res.State.WriteRequests {
		if w.RequestID != id {
			continue
		}
		if string(w.Status) == a.Status {
			return nil
		}
		return &AssertionError{Type: AssertWrite, Expected: a.Request + " " + a.Status, Actual: string(w.Status)}
	}
	return &AssertionError{Type: AssertWrite, Expected: a.Request + " " + a.Status, Actual: "not in registry"}
}
