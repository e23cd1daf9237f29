package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tessera/internal/registry"
)

// shortHash is the number of content hash characters kept in renders.
const shortHash = 12

// RunWithGolden executes a scenario and compares its render against
// testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), s)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, s.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Render(name, result))
}

// Render prints the trace and final state as text. Absolute paths and
// timestamps are left out so renders are stable across machines.
func Render(name string, res *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)

	b.WriteString("events:\n")
	for _, ev := range res.Trace {
		fmt.Fprintf(&b, "  %s\n", traceLine(ev))
	}
	if len(res.Trace) == 0 {
		b.WriteString("  (none)\n")
	}

	state := res.State
	if state == nil {
		state = &registry.Snapshot{}
	}

	section(&b, "locks", func(add func(string)) {
		for _, f := range state.Files {
			if f.LockStatus == registry.Locked {
				add(fmt.Sprintf("%s owner=%s", f.Path, f.LockOwner))
			}
		}
	})
	section(&b, "tasks", func(add func(string)) {
		for _, t := range state.Tasks {
			line := fmt.Sprintf("%s %s", t.TicketID, t.Status)
			if t.Kind != "" {
				line += " kind=" + t.Kind
			}
			if t.Agent != "" {
				line += " agent=" + t.Agent
			}
			if t.Error != "" {
				line += fmt.Sprintf(" error=%q", t.Error)
			}
			add(line)
		}
	})
	section(&b, "files", func(add func(string)) {
		for _, f := range state.Files {
			if f.ContentHash == "" && !f.Deleted {
				continue
			}
			line := fmt.Sprintf("%s hash=%s ticket=%s", f.Path, short(f.ContentHash), f.TicketID)
			if f.Component != "" {
				line += " component=" + f.Component
			}
			if f.Deleted {
				line += " deleted"
			}
			add(line)
		}
	})
	section(&b, "write_requests", func(add func(string)) {
		for _, w := range state.WriteRequests {
			line := fmt.Sprintf("%s %s phase=%d", res.requestName(w.RequestID), w.Status, w.Phase)
			if w.Error != "" {
				line += fmt.Sprintf(" error=%q", w.Error)
			}
			add(line)
		}
	})
	section(&b, "dependencies", func(add func(string)) {
		for _, d := range state.Dependencies {
			add(fmt.Sprintf("%s -> %s (%s)", d.Source, d.Target, d.Type))
		}
	})
	section(&b, "contracts", func(add func(string)) {
		for _, c := range state.Contracts {
			add(fmt.Sprintf("%s %s: %s", c.TicketID, c.Name, c.Decision))
		}
	})
	return []byte(b.String())
}

func section(b *strings.Builder, title string, fill func(add func(string))) {
	fmt.Fprintf(b, "%s:\n", title)
	n := 0
	fill(func(line string) {
		fmt.Fprintf(b, "  %s\n", line)
		n++
	})
	if n == 0 {
		b.WriteString("  (none)\n")
	}
}

func traceLine(ev TraceEvent) string {
	line := fmt.Sprintf("%d %s %s", ev.ID, ev.Ticket, ev.Type)
	if ev.Path != "" {
		line += " path=" + ev.Path
	}
	if ev.Request != "" {
		line += " request=" + ev.Request
	}
	return line
}

func short(hash string) string {
	if len(hash) > shortHash {
		return hash[:shortHash]
	}
	return hash
}
