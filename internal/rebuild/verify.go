package rebuild

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/roach88/tessera/internal/registry"
)

// DriftIssue classifies one difference between the live registry and a
// fresh replay of the log.
type DriftIssue string

const (
	// MissingInLive: the replay produced a row the live registry lacks.
	MissingInLive DriftIssue = "missing_in_live"
	// ExtraInLive: the live registry holds a row the log does not explain.
	ExtraInLive DriftIssue = "extra_in_live"
	// Mismatch: both hold the row with different column values.
	Mismatch DriftIssue = "mismatch"
)

// Drift is one row-level difference.
type Drift struct {
	Table  string     `json:"table"`
	Key    string     `json:"key"`
	Issue  DriftIssue `json:"issue"`
	Fields []string   `json:"fields,omitempty"`
}

// ConsistencyReport is the result of Verify.
type ConsistencyReport struct {
	Consistent         bool      `json:"consistent"`
	Drift              []Drift   `json:"drift,omitempty"`
	LiveLastApplied    uint64    `json:"live_last_applied"`
	RebuiltLastApplied uint64    `json:"rebuilt_last_applied"`
	Rebuild            *Report   `json:"rebuild"`
	CheckedAt          time.Time `json:"checked_at"`
}

// Verify replays the whole log into a scratch generation, compares it row
// by row with the live registry and discards the scratch copy. The live
// generation is never modified.
func (rb *Rebuilder) Verify(ctx context.Context) (*ConsistencyReport, error) {
	start := rb.cfg.Now()
	rep := &Report{StartedAt: start}

	target, path, err := rb.prepare(ctx, "", false)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	defer func() {
		if err := registry.RemoveGeneration(path); err != nil {
			rb.cfg.Logger.Warn("removing verify generation failed", "path", path, "error", err)
		}
	}()

	err = rb.replay(ctx, target, rb.cfg.Log.ReadFrom(ctx, 0), rep)
	var rebuilt *registry.Snapshot
	if err == nil {
		rebuilt, err = target.Snapshot(ctx)
	}
	if cerr := target.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	rep.finish(start, rb.cfg.Now(), nil)

	live, err := rb.liveSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	cr := &ConsistencyReport{
		Drift:              Diff(live, rebuilt),
		LiveLastApplied:    live.LastAppliedID,
		RebuiltLastApplied: rebuilt.LastAppliedID,
		Rebuild:            rep,
		CheckedAt:          rb.cfg.Now(),
	}
	cr.Consistent = len(cr.Drift) == 0
	if cr.Consistent {
		rb.cfg.Logger.Info("state verified", "events", rep.EventsProcessed, "last_applied", live.LastAppliedID)
	} else {
		rb.cfg.Logger.Warn("state drift detected", "differences", len(cr.Drift), "live_last_applied", live.LastAppliedID, "rebuilt_last_applied", rebuilt.LastAppliedID)
	}
	return cr, nil
}

func (rb *Rebuilder) liveSnapshot(ctx context.Context) (*registry.Snapshot, error) {
	if rb.cfg.Live != nil {
		return rb.cfg.Live.Snapshot(ctx)
	}
	path, err := registry.CurrentPath(rb.cfg.Dir)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return &registry.Snapshot{}, nil
	}
	live, err := rb.open(path)
	if err != nil {
		return nil, err
	}
	defer live.Close()
	return live.Snapshot(ctx)
}

// Diff lists the differences between a live snapshot and a rebuilt one,
// ordered by table then key.
func Diff(live, rebuilt *registry.Snapshot) []Drift {
	var out []Drift
	out = append(out, diffRows("files", live.Files, rebuilt.Files, func(f registry.FileRecord) string {
		return f.Path
	})...)
	out = append(out, diffRows("dependencies", live.Dependencies, rebuilt.Dependencies, func(d registry.Dependency) string {
		return d.Source + " -> " + d.Target + " (" + string(d.Type) + ")"
	})...)
	out = append(out, diffRows("write_requests", live.WriteRequests, rebuilt.WriteRequests, func(w registry.WriteRequest) string {
		return w.RequestID
	})...)
	out = append(out, diffRows("contracts", live.Contracts, rebuilt.Contracts, func(c registry.ContractDecision) string {
		return c.ContractID
	})...)
	out = append(out, diffRows("tasks", live.Tasks, rebuilt.Tasks, func(t registry.TaskRecord) string {
		return t.TicketID
	})...)
	if live.LastAppliedID != rebuilt.LastAppliedID || live.AppliedCount != rebuilt.AppliedCount {
		d := Drift{Table: "applied_events", Key: "*", Issue: Mismatch}
		if live.LastAppliedID != rebuilt.LastAppliedID {
			d.Fields = append(d.Fields, "last_applied_id")
		}
		if live.AppliedCount != rebuilt.AppliedCount {
			d.Fields = append(d.Fields, "applied_count")
		}
		out = append(out, d)
	}
	return out
}

func diffRows[T any](table string, live, rebuilt []T, key func(T) string) []Drift {
	lm := make(map[string]T, len(live))
	for _, r := range live {
		lm[key(r)] = r
	}
	rm := make(map[string]T, len(rebuilt))
	for _, r := range rebuilt {
		rm[key(r)] = r
	}
	keys := slices.Collect(maps.Keys(lm))
	for k := range rm {
		if _, ok := lm[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var out []Drift
	for _, k := range keys {
		l, inLive := lm[k]
		r, inRebuilt := rm[k]
		switch {
		case !inLive:
			out = append(out, Drift{Table: table, Key: k, Issue: MissingInLive})
		case !inRebuilt:
			out = append(out, Drift{Table: table, Key: k, Issue: ExtraInLive})
		default:
			if fields := fieldDiff(l, r); len(fields) > 0 {
				out = append(out, Drift{Table: table, Key: k, Issue: Mismatch, Fields: fields})
			}
		}
	}
	return out
}

// fieldDiff returns the JSON field names whose values differ.
func fieldDiff(a, b any) []string {
	am, bm := asMap(a), asMap(b)
	var fields []string
	for k, av := range am {
		if !reflect.DeepEqual(av, bm[k]) {
			fields = append(fields, k)
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			fields = append(fields, k)
		}
	}
	slices.Sort(fields)
	return fields
}

func asMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"<unencodable>": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"<unencodable>": err.Error()}
	}
	return m
}
