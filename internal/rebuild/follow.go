package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/registry"
)

const (
	defaultDebounce     = 50 * time.Millisecond
	defaultPollInterval = 2 * time.Second
)

// FollowerOptions configures a Follower.
type FollowerOptions struct {
	Logger    *slog.Logger
	BatchSize int
	// Debounce delays a sync after a burst of log writes.
	Debounce time.Duration
	// PollInterval syncs periodically even without notifications, for
	// filesystems where fsnotify misses writes from other hosts.
	PollInterval time.Duration
}

// SyncResult summarizes one catch-up pass.
type SyncResult struct {
	EventsProcessed int    `json:"events_processed"`
	Applied         int    `json:"applied"`
	Duplicates      int    `json:"duplicates"`
	Corrupt         int    `json:"corrupt"`
	Invalid         int    `json:"invalid"`
	LastEventID     uint64 `json:"last_event_id"`
}

// Follower keeps a live registry in step with events other processes
// append to the shared log. It is not safe for concurrent use.
type Follower struct {
	reg  *registry.Registry
	log  *eventlog.Log
	opts FollowerOptions
	rb   *Rebuilder

	// seen is the highest id read, applied or not, so records skipped as
	// invalid are not re-read on every pass.
	seen uint64
	// corrupt holds the offsets of corrupt lines already reported.
	corrupt map[int64]struct{}
}

// NewFollower creates a Follower applying log records to reg.
func NewFollower(reg *registry.Registry, log *eventlog.Log, opts FollowerOptions) *Follower {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	rb := New(Config{Log: log, Logger: opts.Logger, BatchSize: opts.BatchSize})
	return &Follower{reg: reg, log: log, opts: opts, rb: rb, corrupt: make(map[int64]struct{})}
}

// CatchUp applies every record after the registry's last applied event.
func (f *Follower) CatchUp(ctx context.Context) (SyncResult, error) {
	last, err := f.reg.LastAppliedID(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", err)
	}
	return f.sync(ctx, max(last, f.seen)+1, f.corrupt)
}

// Resync re-reads the whole log. Events already applied are skipped, so
// this only fills gaps left by writers that appended without applying.
// Corrupt lines are reported again.
func (f *Follower) Resync(ctx context.Context) (SyncResult, error) {
	return f.sync(ctx, 0, make(map[int64]struct{}))
}

// sync replays from the given id. Corrupt lines whose offsets are in
// reported are skipped; newly reported ones are added to f.corrupt.
func (f *Follower) sync(ctx context.Context, from uint64, reported map[int64]struct{}) (SyncResult, error) {
	rep := &Report{corruptSeen: reported}
	if err := f.rb.replay(ctx, f.reg, f.log.ReadFrom(ctx, from), rep); err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", err)
	}
	res := SyncResult{
		EventsProcessed: rep.EventsProcessed,
		Applied:         rep.Applied,
		Duplicates:      rep.Duplicates,
		Corrupt:         len(rep.Corrupt),
		Invalid:         len(rep.Invalid),
		LastEventID:     rep.LastEventID,
	}
	f.seen = max(f.seen, rep.LastEventID)
	maps.Copy(f.corrupt, rep.corruptSeen)
	if res.Applied > 0 {
		f.opts.Logger.Debug("registry synced", "applied", res.Applied, "last_event_id", res.LastEventID)
	}
	return res, nil
}

// Follow catches up, then keeps syncing whenever the log file changes
// until ctx is done. onSync, when set, receives every pass that applied
// at least one event. A failing pass is logged and retried on the next
// change.
func (f *Follower) Follow(ctx context.Context, onSync func(SyncResult)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("follow: %w", err)
	}
	defer watcher.Close()

	logPath := filepath.Clean(f.log.Path())
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("follow: watch %s: %w", filepath.Dir(logPath), err)
	}

	pass := func() {
		res, err := f.CatchUp(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.opts.Logger.Error("sync failed", "error", err)
			}
			return
		}
		if res.Applied > 0 && onSync != nil {
			onSync(res)
		}
	}
	pass()

	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()
	poll := time.NewTicker(f.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != logPath || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(f.opts.Debounce)

		case <-debounce.C:
			pass()

		case <-poll.C:
			pass()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.opts.Logger.Warn("log watch error", "error", err)
		}
	}
}
