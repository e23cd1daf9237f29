// Package rebuild reconstructs the file registry from the event log.
//
// Rebuild replays the log into a brand-new registry generation next to the
// live one and, only when the whole replay succeeded, points the registry
// directory's CURRENT file at it (tmp + rename). Any error discards the new
// generation and leaves the live one untouched. Corrupt records and events
// with unusable payloads are skipped, counted and reported; the rebuild then
// ends as success_with_warnings.
//
// Processes that already hold the previous generation open keep using it
// until they reopen the registry.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/ident"
	"github.com/roach88/tessera/internal/registry"
)

// DefaultBatchSize is how many events are applied per transaction.
const DefaultBatchSize = 500

// Source is the part of the event log a rebuild reads.
type Source interface {
	ReadFrom(ctx context.Context, fromID uint64) iter.Seq2[eventlog.Event, error]
	ReadRange(ctx context.Context, fromTS, toTS int64) iter.Seq2[eventlog.Event, error]
}

// Config configures a Rebuilder.
type Config struct {
	// Dir is the registry directory holding CURRENT and the generations.
	Dir        string
	Root       string
	Components map[string][]string
	Log        Source
	// Live, when set, is snapshotted by Verify instead of opening the
	// current generation from Dir.
	Live *registry.Registry

	Logger    *slog.Logger
	Now       func() time.Time
	IDs       ident.Generator
	BatchSize int

	// AfterBatch runs after every applied batch with the number of records
	// read so far. A non-nil error aborts the replay.
	AfterBatch func(processed int) error
}

// Rebuilder rebuilds and verifies a registry directory.
type Rebuilder struct {
	cfg Config
}

// New creates a Rebuilder.
func New(cfg Config) *Rebuilder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDs == nil {
		cfg.IDs = ident.UUIDv7Generator{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Rebuilder{cfg: cfg}
}

// Options select where replay starts. With both zero the log is replayed
// from its first record into an empty registry. Otherwise the new
// generation is seeded with a copy of the live one and replay starts at
// the given event id or timestamp (ms); events the copy already applied
// are skipped as duplicates.
type Options struct {
	FromEventID   uint64
	FromTimestamp int64
}

func (o Options) partial() bool { return o.FromEventID > 0 || o.FromTimestamp > 0 }

// Status is the outcome of a rebuild.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusSuccessWithWarnings Status = "success_with_warnings"
	StatusFailed              Status = "failed"
)

// Reasons for skipped events beyond the eventlog corruption reasons.
const ReasonInvalidPayload = "invalid_payload"

// SkippedEvent is a record that could not be applied.
type SkippedEvent struct {
	EventID uint64 `json:"event_id,omitempty"`
	Offset  int64  `json:"offset,omitempty"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

// Report describes one rebuild.
type Report struct {
	Status        Status `json:"status"`
	FromEventID   uint64 `json:"from_event_id,omitempty"`
	FromTimestamp int64  `json:"from_timestamp,omitempty"`
	Seeded        bool   `json:"seeded"`

	EventsProcessed int            `json:"events_processed"`
	Applied         int            `json:"applied"`
	Duplicates      int            `json:"duplicates"`
	Corrupt         []SkippedEvent `json:"corrupt,omitempty"`
	Invalid         []SkippedEvent `json:"invalid,omitempty"`
	LastEventID     uint64         `json:"last_event_id"`

	Generation         string `json:"generation,omitempty"`
	PreviousGeneration string `json:"previous_generation,omitempty"`

	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	EventsPerSecond float64       `json:"events_per_second"`
	Error           string        `json:"error,omitempty"`

	// corruptSeen holds the offsets of corrupt lines already reported.
	// A read resuming after the last valid event yields them again.
	corruptSeen map[int64]struct{}
}

// Warnings is the number of skipped records.
func (r *Report) Warnings() int { return len(r.Corrupt) + len(r.Invalid) }

func (r *Report) finish(start time.Time, now time.Time, err error) {
	r.Duration = now.Sub(start)
	if secs := r.Duration.Seconds(); secs > 0 {
		r.EventsPerSecond = float64(r.EventsProcessed) / secs
	}
	switch {
	case err != nil:
		r.Status = StatusFailed
		r.Error = err.Error()
	case r.Warnings() > 0:
		r.Status = StatusSuccessWithWarnings
	default:
		r.Status = StatusSuccess
	}
}

// Rebuild replays the log into a new generation and swaps it in. On error
// the returned report has status failed and the live generation is
// unchanged.
func (rb *Rebuilder) Rebuild(ctx context.Context, opts Options) (*Report, error) {
	start := rb.cfg.Now()
	rep := &Report{FromEventID: opts.FromEventID, FromTimestamp: opts.FromTimestamp, StartedAt: start}
	rb.cfg.Logger.Info("rebuild started", "from_event_id", opts.FromEventID, "from_timestamp", opts.FromTimestamp, "dir", rb.cfg.Dir)

	live, err := registry.CurrentPath(rb.cfg.Dir)
	if err != nil {
		return rb.fail(rep, start, err)
	}
	rep.PreviousGeneration = live

	target, path, err := rb.prepare(ctx, live, opts.partial())
	if err != nil {
		return rb.fail(rep, start, err)
	}
	rep.Seeded = opts.partial() && live != ""

	err = rb.replay(ctx, target, rb.source(ctx, opts), rep)
	if err == nil && rep.LastEventID > 0 {
		// Pick up records appended while the main pass ran.
		err = rb.replay(ctx, target, rb.cfg.Log.ReadFrom(ctx, rep.LastEventID+1), rep)
	}
	if cerr := target.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = registry.Swap(rb.cfg.Dir, path)
	}
	if err != nil {
		if rerr := registry.RemoveGeneration(path); rerr != nil {
			rb.cfg.Logger.Warn("discarding rebuild generation failed", "path", path, "error", rerr)
		}
		return rb.fail(rep, start, err)
	}

	rep.Generation = path
	rep.finish(start, rb.cfg.Now(), nil)
	rb.cfg.Logger.Info("rebuild finished",
		"status", rep.Status,
		"events", rep.EventsProcessed,
		"applied", rep.Applied,
		"duplicates", rep.Duplicates,
		"corrupt", len(rep.Corrupt),
		"invalid", len(rep.Invalid),
		"duration", rep.Duration,
		"generation", filepath.Base(path),
	)
	return rep, nil
}

func (rb *Rebuilder) fail(rep *Report, start time.Time, err error) (*Report, error) {
	err = fmt.Errorf("rebuild: %w", err)
	rep.finish(start, rb.cfg.Now(), err)
	rb.cfg.Logger.Error("rebuild failed", "events", rep.EventsProcessed, "error", err)
	return rep, err
}

// prepare creates the new generation, seeded from live when asked, and
// opens it as a read-only replay target.
func (rb *Rebuilder) prepare(ctx context.Context, live string, seed bool) (*registry.Registry, string, error) {
	path, err := registry.NewGenerationPath(rb.cfg.Dir, rb.cfg.IDs)
	if err != nil {
		return nil, "", err
	}
	if seed && live != "" {
		src, err := rb.open(live)
		if err != nil {
			return nil, "", err
		}
		err = src.VacuumInto(ctx, path)
		if cerr := src.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = registry.RemoveGeneration(path)
			return nil, "", err
		}
	}
	target, err := rb.open(path)
	if err != nil {
		_ = registry.RemoveGeneration(path)
		return nil, "", err
	}
	return target, path, nil
}

func (rb *Rebuilder) open(path string) (*registry.Registry, error) {
	return registry.OpenFile(path, registry.Options{
		Root:       rb.cfg.Root,
		Components: rb.cfg.Components,
		Logger:     rb.cfg.Logger,
		Now:        rb.cfg.Now,
		IDs:        rb.cfg.IDs,
	})
}

func (rb *Rebuilder) source(ctx context.Context, opts Options) iter.Seq2[eventlog.Event, error] {
	if opts.FromTimestamp > 0 {
		return rb.cfg.Log.ReadRange(ctx, opts.FromTimestamp, eventlog.MaxTimestamp)
	}
	return rb.cfg.Log.ReadFrom(ctx, opts.FromEventID)
}

// replay applies seq to target in batches, recording progress in rep.
func (rb *Rebuilder) replay(ctx context.Context, target *registry.Registry, seq iter.Seq2[eventlog.Event, error], rep *Report) error {
	batch := make([]eventlog.Event, 0, rb.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := target.ApplyBatch(ctx, batch)
		if err != nil {
			return err
		}
		rep.Applied += res.Applied
		rep.Duplicates += res.Duplicates
		for _, pe := range res.Invalid {
			rep.Invalid = append(rep.Invalid, SkippedEvent{EventID: pe.EventID, Reason: ReasonInvalidPayload, Detail: pe.Detail})
			rb.cfg.Logger.Warn("skipped event with invalid payload", "event_id", pe.EventID, "type", pe.Type, "detail", pe.Detail)
		}
		rep.LastEventID = batch[len(batch)-1].ID
		batch = batch[:0]
		if rb.cfg.AfterBatch != nil {
			return rb.cfg.AfterBatch(rep.EventsProcessed)
		}
		return nil
	}

	for ev, err := range seq {
		if err != nil {
			ce, ok := eventlog.AsCorrupt(err)
			if !ok {
				return err
			}
			if _, dup := rep.corruptSeen[ce.Offset]; dup {
				continue
			}
			if rep.corruptSeen == nil {
				rep.corruptSeen = make(map[int64]struct{})
			}
			rep.corruptSeen[ce.Offset] = struct{}{}
			rep.EventsProcessed++
			rep.Corrupt = append(rep.Corrupt, SkippedEvent{EventID: ce.EventID, Offset: ce.Offset, Reason: ce.Reason, Detail: ce.Detail})
			continue
		}
		rep.EventsProcessed++
		batch = append(batch, ev)
		if len(batch) >= rb.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// Prune removes every generation in the registry directory except the
// current one and returns the removed paths.
func (rb *Rebuilder) Prune() ([]string, error) {
	current, err := registry.CurrentPath(rb.cfg.Dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(rb.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	var removed []string
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "registry-") || !strings.HasSuffix(name, ".db") {
			continue
		}
		path := filepath.Join(rb.cfg.Dir, name)
		if path == current {
			continue
		}
		if err := registry.RemoveGeneration(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}
