package registry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/logging"
	"github.com/roach88/tessera/internal/testutil"
)

const baseMillis = 1_700_000_000_000

type fixture struct {
	reg   *Registry
	log   *eventlog.Log
	clock *testutil.Clock
	root  string
	dir   string
	logs  *bytes.Buffer
}

type fixtureOption func(*Options)

func withComponents(c map[string][]string) fixtureOption {
	return func(o *Options) { o.Components = c }
}

// newFixture opens a live registry in a temp dir, backed by a temp event
// log, with a manual clock shared by both.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "tree")
	require.NoError(t, os.MkdirAll(root, 0o755))

	clock := testutil.NewClockAtMillis(baseMillis)
	log, err := eventlog.Open(filepath.Join(base, "events.ndjson"), eventlog.Options{Logger: logging.Nop(), Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	var buf bytes.Buffer
	o := Options{
		Root:   root,
		Log:    log,
		Logger: logging.NewWithWriter(&buf, logging.Options{Level: logging.LevelDebug}),
		Now:    clock.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	dir := filepath.Join(base, "registry")
	reg, err := Open(dir, o)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	return &fixture{reg: reg, log: log, clock: clock, root: root, dir: dir, logs: &buf}
}

// replayTarget opens an empty read-only registry to apply events into.
func (f *fixture) replayTarget(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenFile(filepath.Join(t.TempDir(), "replay.db"), Options{Root: f.root, Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func (f *fixture) writeFile(t *testing.T, rel, content string) string {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return HashContent([]byte(content))
}

func (f *fixture) events(t *testing.T) []eventlog.Event {
	t.Helper()
	var out []eventlog.Event
	for ev, err := range f.log.ReadAll(context.Background()) {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func (f *fixture) lastID(t *testing.T) uint64 {
	t.Helper()
	id, err := f.log.LastID()
	require.NoError(t, err)
	return id
}

func (f *fixture) lock(t *testing.T, path string) Lock {
	t.Helper()
	locks, err := f.reg.LockState(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, locks, 1)
	return locks[0]
}

var ttl = 5 * time.Minute
