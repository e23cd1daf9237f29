package contextasm

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/logging"
	"github.com/roach88/tessera/internal/registry"
	"github.com/roach88/tessera/internal/testutil"
)

type assemblerFixture struct {
	reg   *registry.Registry
	root  string
	clock *testutil.Clock
	logs  *bytes.Buffer
}

func newAssemblerFixture(t *testing.T) *assemblerFixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "tree")
	require.NoError(t, os.MkdirAll(root, 0o755))
	clock := testutil.NewClockAtMillis(1_700_000_000_000)

	log, err := eventlog.Open(filepath.Join(base, "events.ndjson"), eventlog.Options{Logger: logging.Nop(), Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	reg, err := registry.Open(filepath.Join(base, "registry"), registry.Options{
		Root: root, Log: log, Logger: logging.Nop(), Now: clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	ctx := context.Background()
	for rel, content := range map[string]string{"lib/util.go": "package lib\n", "cmd/main.go": "package main\n"} {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	require.NoError(t, reg.RegisterFile(ctx, registry.FileRecord{Path: "lib/util.go", TicketID: "T-1"}))
	require.NoError(t, reg.RegisterFile(ctx, registry.FileRecord{Path: "cmd/main.go", TicketID: "T-0"}))
	require.NoError(t, reg.AddDependency(ctx, registry.Dependency{Source: "cmd/main.go", Target: "lib/util.go", Type: registry.DepImports, TicketID: "T-0"}))
	_, err = reg.AcquireLock(ctx, "lib/util.go", "T-1", time.Minute)
	require.NoError(t, err)
	_, err = reg.RecordContractDecision(ctx, registry.ContractDecision{TicketID: "T-1", Name: "Util", Decision: "pure functions"})
	require.NoError(t, err)

	var buf bytes.Buffer
	return &assemblerFixture{reg: reg, root: root, clock: clock, logs: &buf}
}

func (f *assemblerFixture) assembler(remote Querier, ttl time.Duration) *Assembler {
	return NewAssembler(f.reg, Options{
		Remote: remote,
		Cache:  NewCache(ttl, 0, f.clock.Now),
		Logger: logging.NewWithWriter(f.logs, logging.Options{}),
		Now:    f.clock.Now,
	})
}

func assertRegistryPart(t *testing.T, b Bundle) {
	t.Helper()
	require.Len(t, b.Files, 2)
	assert.Equal(t, "cmd/main.go", b.Files[0].Path)
	assert.Equal(t, "lib/util.go", b.Files[1].Path)
	assert.Equal(t, []string{"lib/util.go"}, b.Locks)
	require.Len(t, b.Dependents, 1)
	assert.Equal(t, "cmd/main.go", b.Dependents[0].Source)
	require.Len(t, b.Dependencies, 1)
	assert.Equal(t, "lib/util.go", b.Dependencies[0].Target)
	require.Len(t, b.Contracts, 1)
	assert.Equal(t, "pure functions", b.Contracts[0].Decision)
}

func TestAssemble_Live(t *testing.T) {
	f := newAssemblerFixture(t)
	ks := newKnowledgeServer(t)
	h := NewHTTPQuerier(ks.URL, time.Second)
	a := f.assembler(compose(h, h, fastRetry(), BreakerPolicy{FailureThreshold: 3, RecoveryTimeout: time.Minute}, logging.Nop()), time.Hour)

	b, err := a.Assemble(context.Background(), "T-1", "coder", "cmd/main.go", "not/registered.go")
	require.NoError(t, err)
	assertRegistryPart(t, b)
	assert.False(t, b.Degraded)
	assert.Equal(t, SourceLive, b.KnowledgeSource())
	require.Len(t, b.Knowledge.Items, 1)
	assert.Equal(t, []string{"cmd/main.go", "lib/util.go"}, ks.last.Load().(Query).Paths)
}

func TestAssemble_FallsBackToCache(t *testing.T) {
	f := newAssemblerFixture(t)
	var down bool
	remote := QuerierFunc(func(_ context.Context, q Query) (Result, error) {
		if down {
			return Result{}, ErrUnavailable
		}
		return Result{Items: []Item{{ID: "fresh"}}}, nil
	})
	a := f.assembler(remote, time.Hour)
	ctx := context.Background()

	_, err := a.Assemble(ctx, "T-1", "coder")
	require.NoError(t, err)

	down = true
	f.clock.Advance(30 * time.Minute)
	b, err := a.Assemble(ctx, "T-1", "coder")
	require.NoError(t, err)
	assertRegistryPart(t, b)
	assert.True(t, b.Degraded)
	assert.Equal(t, SourceCache, b.KnowledgeSource())
	assert.Equal(t, "fresh", b.Knowledge.Items[0].ID)
	assert.NotEmpty(t, b.Knowledge.Error)
	assert.Contains(t, f.logs.String(), "knowledge fallback from cache")

	f.clock.Advance(31 * time.Minute)
	b, err = a.Assemble(ctx, "T-1", "coder")
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, b.KnowledgeSource(), "cache entries expire after the TTL")
	assert.NotNil(t, b.Knowledge.Items)
	assert.Empty(t, b.Knowledge.Items)
}

func TestAssemble_NeverFailsWhenServiceIsDown(t *testing.T) {
	f := newAssemblerFixture(t)
	ks := newKnowledgeServer(t)
	ks.status.Store(http.StatusInternalServerError)
	h := NewHTTPQuerier(ks.URL, time.Second)
	a := f.assembler(compose(h, h, fastRetry(), BreakerPolicy{FailureThreshold: 3, RecoveryTimeout: time.Minute}, logging.Nop()), time.Hour)

	for i := 0; i < 5; i++ {
		b, err := a.Assemble(context.Background(), "T-1", "coder")
		require.NoError(t, err)
		assertRegistryPart(t, b)
		assert.True(t, b.Degraded)
		assert.Equal(t, SourceEmpty, b.KnowledgeSource())
	}
	assert.Equal(t, int64(9), ks.hits.Load())
}

func TestAssemble_NoRemoteConfigured(t *testing.T) {
	f := newAssemblerFixture(t)
	a := f.assembler(nil, time.Hour)

	start := time.Now()
	b, err := a.Assemble(context.Background(), "T-1", "coder")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assertRegistryPart(t, b)
	assert.True(t, b.Degraded)
	assert.Equal(t, ErrUnavailable.Error(), b.Knowledge.Error)
	assert.NotContains(t, f.logs.String(), "knowledge fallback to empty context")
}

func TestCache(t *testing.T) {
	clock := testutil.NewClockAtMillis(0)
	c := NewCache(time.Minute, 2, clock.Now)

	q1, q2, q3 := Query{TicketID: "1"}, Query{TicketID: "2"}, Query{TicketID: "3"}
	c.Put(q1, Result{Items: []Item{{ID: "a"}}})
	clock.Advance(time.Second)
	c.Put(q2, Result{})
	clock.Advance(time.Second)
	c.Put(q3, Result{})
	assert.Equal(t, 2, c.Len())

	_, _, ok := c.Get(q1)
	assert.False(t, ok, "oldest entry evicted")
	_, at, ok := c.Get(q3)
	assert.True(t, ok)
	assert.Equal(t, clock.Now(), at)

	clock.Advance(time.Minute + time.Millisecond)
	_, _, ok = c.Get(q3)
	assert.False(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := NewCache(time.Minute, 0, nil)
	q := Query{TicketID: "T-1"}
	items := []Item{{ID: "a", Content: "original"}}
	c.Put(q, Result{Items: items})
	items[0].Content = "changed by caller"

	got, _, ok := c.Get(q)
	require.True(t, ok)
	assert.Equal(t, "original", got.Items[0].Content)

	got.Items[0].Content = "changed by reader"
	got.Items = append(got.Items, Item{ID: "b"})

	again, _, ok := c.Get(q)
	require.True(t, ok)
	assert.Equal(t, []Item{{ID: "a", Content: "original"}}, again.Items)
}
