package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/logging"
	"github.com/roach88/tessera/internal/rebuild"
	"github.com/roach88/tessera/internal/registry"
	"github.com/roach88/tessera/internal/testutil"
)

// defaultTTL is the lock TTL of acquire steps that set none.
const defaultTTL = 5 * time.Minute

// sequentialIDs generates id-0001, id-0002, ... so request and contract
// ids are stable across runs.
type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n)
}

// harness holds one scenario run. Every run gets a fresh tree, log and
// registry in a temp dir.
type harness struct {
	root  string
	clock *testutil.Clock
	log   *eventlog.Log
	reg   *registry.Registry
	res   *Result
}

// Run executes a scenario. The returned error covers setup problems only;
// failed expectations and assertions are reported in Result.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	base, err := os.MkdirTemp("", "tessera-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(base)

	start := s.StartMillis
	if start == 0 {
		start = DefaultStartMillis
	}
	h := &harness{
		root:  filepath.Join(base, "tree"),
		clock: testutil.NewClockAtMillis(start),
		res:   NewResult(),
	}
	if err := os.MkdirAll(h.root, 0o755); err != nil {
		return nil, fmt.Errorf("create tree: %w", err)
	}

	h.log, err = eventlog.Open(filepath.Join(base, "events.ndjson"), eventlog.Options{Logger: logging.Nop(), Now: h.clock.Now})
	if err != nil {
		return nil, err
	}
	defer h.log.Close()

	h.reg, err = registry.Open(filepath.Join(base, "registry"), registry.Options{
		Root:       h.root,
		Log:        h.log,
		Logger:     logging.Nop(),
		Now:        h.clock.Now,
		IDs:        &sequentialIDs{},
		Components: s.Components,
	})
	if err != nil {
		return nil, err
	}
	defer h.reg.Close()

	for i, st := range s.Steps {
		h.step(ctx, i, st)
	}

	if err := h.collect(ctx, filepath.Join(base, "replay.db"), s.Components); err != nil {
		return nil, err
	}
	for i, a := range s.Assertions {
		if err := evaluate(h.res, a); err != nil {
			h.res.AddError("assertions[%d]: %v", i, err)
		}
	}
	return h.res, nil
}

func (h *harness) step(ctx context.Context, i int, st Step) {
	granted, err := h.apply(ctx, st)

	var want Expect
	if st.Expect != nil {
		want = *st.Expect
	}
	switch {
	case want.Error != "" && err == nil:
		h.res.AddError("steps[%d] %s: expected error containing %q, got none", i, st.Op, want.Error)
	case want.Error != "" && !strings.Contains(err.Error(), want.Error):
		h.res.AddError("steps[%d] %s: expected error containing %q, got %v", i, st.Op, want.Error, err)
	case want.Error == "" && err != nil:
		h.res.AddError("steps[%d] %s: %v", i, st.Op, err)
	}

	if st.Op == OpAcquire && err == nil {
		expected := true
		if want.Granted != nil {
			expected = *want.Granted
		}
		if granted != expected {
			h.res.AddError("steps[%d] acquire %v for %s: granted=%t, want %t", i, st.Paths, st.Ticket, granted, expected)
		}
	}
}

// apply performs one step against the live registry.
func (h *harness) apply(ctx context.Context, st Step) (bool, error) {
	switch st.Op {
	case OpWrite:
		abs := filepath.Join(h.root, filepath.FromSlash(st.Path))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return false, err
		}
		return false, os.WriteFile(abs, []byte(st.Content), 0o644)

	case OpAcquire:
		ttl := st.TTL
		if ttl == 0 {
			ttl = defaultTTL
		}
		return h.reg.AcquireLocks(ctx, st.Ticket, st.Paths, ttl)

	case OpRelease:
		return false, h.reg.ReleaseLock(ctx, st.Path, st.Ticket)

	case OpReleaseAll:
		_, err := h.reg.ReleaseAll(ctx, st.Ticket)
		return false, err

	case OpPropose:
		intents := make([]registry.WriteIntent, 0, len(st.Paths))
		for _, p := range st.Paths {
			hash, err := registry.HashFile(filepath.Join(h.root, filepath.FromSlash(p)))
			if err != nil {
				return false, err
			}
			intents = append(intents, registry.WriteIntent{Path: p, ContentHash: hash})
		}
		w, err := h.reg.ProposeWrite(ctx, st.Ticket, intents)
		if err != nil {
			return false, err
		}
		h.res.Requests[st.As] = w.RequestID
		return false, nil

	case OpValidate, OpCommit, OpRollback:
		id, ok := h.res.Requests[st.Request]
		if !ok {
			return false, fmt.Errorf("unknown request %q", st.Request)
		}
		var err error
		switch st.Op {
		case OpValidate:
			_, err = h.reg.ValidateWrite(ctx, id)
		case OpCommit:
			_, err = h.reg.CommitWrite(ctx, id, registry.CommitMeta{JobID: st.Job, Agent: st.Agent})
		default:
			_, err = h.reg.RollbackWrite(ctx, id, st.Reason)
		}
		return false, err

	case OpDelete:
		return false, h.reg.MarkDeleted(ctx, st.Path, st.Ticket)

	case OpDepend:
		return false, h.reg.AddDependency(ctx, registry.Dependency{
			Source:   st.Source,
			Target:   st.Target,
			Type:     registry.DependencyType(st.DepType),
			TicketID: st.Ticket,
		})

	case OpContract:
		_, err := h.reg.RecordContractDecision(ctx, registry.ContractDecision{
			TicketID:  st.Ticket,
			Name:      st.Name,
			Decision:  st.Decision,
			Rationale: st.Reason,
		})
		return false, err

	case OpTask:
		_, err := h.reg.RecordTaskEvents(ctx, eventlog.New(st.Ticket, eventlog.Type(st.Event), st.Payload))
		return false, err

	case OpAdvance:
		h.clock.Advance(st.Duration)
		return false, nil
	}
	return false, fmt.Errorf("unknown op %q", st.Op)
}

// collect reads the trace, snapshots the live registry and checks that a
// replay of the log reproduces it.
func (h *harness) collect(ctx context.Context, replayPath string, components map[string][]string) error {
	var events []eventlog.Event
	for ev, err := range h.log.ReadAll(ctx) {
		if err != nil {
			return fmt.Errorf("read trace: %w", err)
		}
		events = append(events, ev)
		h.res.Trace = append(h.res.Trace, TraceEvent{
			ID:      ev.ID,
			Ticket:  ev.TicketID,
			Type:    string(ev.Type),
			Path:    ev.PayloadString("path"),
			Request: h.res.requestName(ev.PayloadString("request_id")),
		})
	}

	state, err := h.reg.Snapshot(ctx)
	if err != nil {
		return err
	}
	h.res.State = state

	target, err := registry.OpenFile(replayPath, registry.Options{Root: h.root, Logger: logging.Nop(), Components: components})
	if err != nil {
		return err
	}
	defer target.Close()
	res, err := target.ApplyBatch(ctx, events)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, pe := range res.Invalid {
		h.res.AddError("replay: %v", pe)
	}
	if h.res.Replayed, err = target.Snapshot(ctx); err != nil {
		return err
	}
	for _, d := range rebuild.Diff(state, h.res.Replayed) {
		h.res.AddError("replay diverges: %s %s %s %v", d.Table, d.Key, d.Issue, d.Fields)
	}
	return nil
}
