package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessera/internal/logging"
	"github.com/roach88/tessera/internal/testutil"
)

const baseMillis = 1_700_000_000_000

func openTestLog(t *testing.T, path string, clock *testutil.Clock, stride int) *Log {
	t.Helper()
	l, err := Open(path, Options{IndexStride: stride, Logger: logging.Nop(), Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestLog(t *testing.T) (*Log, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClockAtMillis(baseMillis)
	return openTestLog(t, filepath.Join(t.TempDir(), "events.ndjson"), clock, 0), clock
}

func appendN(t *testing.T, l *Log, clock *testutil.Clock, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Append(context.Background(), New(fmt.Sprintf("T-%d", i), FileLocked, map[string]any{"path": fmt.Sprintf("f%d.go", i)}))
		require.NoError(t, err)
		out = append(out, ev)
		clock.Advance(time.Millisecond)
	}
	return out
}

func collect(t *testing.T, seq func(func(Event, error) bool)) ([]Event, []error) {
	t.Helper()
	var evs []Event
	var errs []error
	for ev, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		evs = append(evs, ev)
	}
	return evs, errs
}

func ids(evs []Event) []uint64 {
	out := make([]uint64, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func TestAppend_AssignsIDsTimestampsAndChecksums(t *testing.T) {
	l, clock := newTestLog(t)

	first, err := l.Append(context.Background(), New("T-1", TaskCreated, map[string]any{"kind": "implement"}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, int64(baseMillis), first.Timestamp)
	assert.True(t, first.Verify())

	clock.Advance(5 * time.Millisecond)
	second, err := l.Append(context.Background(), New("T-1", AgentStarted, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, int64(baseMillis+5), second.Timestamp)
	assert.Equal(t, map[string]any{}, second.Payload)

	last, err := l.LastID()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestAppend_TimestampNeverDecreases(t *testing.T) {
	l, clock := newTestLog(t)

	a, err := l.Append(context.Background(), New("T-1", TaskCreated, nil))
	require.NoError(t, err)
	clock.Set(time.UnixMilli(baseMillis - 60_000))
	b, err := l.Append(context.Background(), New("T-1", AgentStarted, nil))
	require.NoError(t, err)

	assert.Equal(t, a.Timestamp, b.Timestamp)
	assert.Greater(t, b.ID, a.ID)
}

func TestAppend_RejectsEventWithoutType(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.Append(context.Background(), Event{TicketID: "T-1"})
	require.ErrorIs(t, err, ErrInvalidEvent)

	last, err := l.LastID()
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestAppendBatch_SharesTimestampAndIsConsecutive(t *testing.T) {
	l, _ := newTestLog(t)

	out, err := l.AppendBatch(context.Background(), []Event{
		New("T-1", FileLocked, map[string]any{"path": "a.go"}),
		New("T-1", FileLocked, map[string]any{"path": "b.go"}),
		New("T-1", FileLocked, map[string]any{"path": "c.go"}),
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []uint64{1, 2, 3}, ids(out))
	assert.Equal(t, out[0].Timestamp, out[2].Timestamp)
}

func TestAppendBatch_InvalidMemberWritesNothing(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.AppendBatch(context.Background(), []Event{
		New("T-1", FileLocked, map[string]any{"path": "a.go"}),
		{TicketID: "T-1"},
	})
	require.ErrorIs(t, err, ErrInvalidEvent)

	evs, errs := collect(t, l.ReadAll(context.Background()))
	assert.Empty(t, evs)
	assert.Empty(t, errs)
}

func TestAppend_FailedWriteLeavesNoPartialRecord(t *testing.T) {
	l, _ := newTestLog(t)
	_, err := l.Append(context.Background(), New("T-1", TaskCreated, nil))
	require.NoError(t, err)

	orig := l.write
	l.write = func(b []byte) (int, error) {
		n, _ := orig(b[:len(b)/2])
		return n, errors.New("no space left on device")
	}
	_, err = l.Append(context.Background(), New("T-1", AgentStarted, map[string]any{"x": "y"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left on device")

	l.write = orig
	next, err := l.Append(context.Background(), New("T-1", AgentCompleted, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.ID)

	evs, errs := collect(t, l.ReadAll(context.Background()))
	assert.Empty(t, errs)
	assert.Equal(t, []uint64{1, 2}, ids(evs))
	assert.Equal(t, AgentCompleted, evs[1].Type)
}

func TestAppend_ContextCancelled(t *testing.T) {
	l, _ := newTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Append(ctx, New("T-1", TaskCreated, nil))
	require.ErrorIs(t, err, context.Canceled)
}

func TestAppend_ConcurrentAppendersGetUniqueIDs(t *testing.T) {
	l, _ := newTestLog(t)

	const workers, each = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := l.Append(context.Background(), New(fmt.Sprintf("T-%d", w), AgentStarted, map[string]any{"i": i}))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	evs, errs := collect(t, l.ReadAll(context.Background()))
	require.Empty(t, errs)
	require.Len(t, evs, workers*each)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.ID)
	}
}

func TestAppend_TwoHandlesOnSameFileInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	clock := testutil.NewClockAtMillis(baseMillis)
	a := openTestLog(t, path, clock, 2)
	b := openTestLog(t, path, clock, 2)

	for i := 0; i < 5; i++ {
		_, err := a.Append(context.Background(), New("A", AgentStarted, nil))
		require.NoError(t, err)
		ev, err := b.Append(context.Background(), New("B", AgentStarted, nil))
		require.NoError(t, err)
		assert.Equal(t, uint64(2*i+2), ev.ID)
	}

	evs, errs := collect(t, a.ReadFrom(context.Background(), 7))
	require.Empty(t, errs)
	assert.Equal(t, []uint64{7, 8, 9, 10}, ids(evs))
}

func TestOpen_RecoversTailState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	clock := testutil.NewClockAtMillis(baseMillis)
	l := openTestLog(t, path, clock, 4)
	appendN(t, l, clock, 10)
	require.NoError(t, l.Close())

	reopened := openTestLog(t, path, clock, 4)
	last, err := reopened.LastID()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)

	clock.Set(time.UnixMilli(baseMillis))
	ev, err := reopened.Append(context.Background(), New("T", TaskCreated, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), ev.ID)
	assert.Equal(t, int64(baseMillis+9), ev.Timestamp)
}

func TestReadFrom_SeeksThroughSparseIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	clock := testutil.NewClockAtMillis(baseMillis)
	l := openTestLog(t, path, clock, 3)
	appendN(t, l, clock, 20)

	assert.Len(t, l.index, 7)

	for _, from := range []uint64{0, 1, 3, 4, 10, 19, 20} {
		evs, errs := collect(t, l.ReadFrom(context.Background(), from))
		require.Empty(t, errs)
		start := max(from, 1)
		require.Len(t, evs, int(20-start+1), "from %d", from)
		assert.Equal(t, start, evs[0].ID)
	}

	evs, _ := collect(t, l.ReadFrom(context.Background(), 21))
	assert.Empty(t, evs)
}

func TestReadRange_Inclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	clock := testutil.NewClockAtMillis(baseMillis)
	l := openTestLog(t, path, clock, 2)
	appendN(t, l, clock, 10) // timestamps base+0 .. base+9

	evs, errs := collect(t, l.ReadRange(context.Background(), baseMillis+3, baseMillis+6))
	require.Empty(t, errs)
	assert.Equal(t, []uint64{4, 5, 6, 7}, ids(evs))

	evs, _ = collect(t, l.ReadRange(context.Background(), baseMillis+8, MaxTimestamp))
	assert.Equal(t, []uint64{9, 10}, ids(evs))

	evs, _ = collect(t, l.ReadRange(context.Background(), baseMillis+6, baseMillis+3))
	assert.Empty(t, evs)
}

func TestRead_SequenceIsLazyFiniteAndRestartable(t *testing.T) {
	l, clock := newTestLog(t)
	appendN(t, l, clock, 5)

	seq := l.ReadAll(context.Background())

	// Records appended during iteration are beyond the snapshot.
	var seen []uint64
	for ev, err := range seq {
		require.NoError(t, err)
		seen = append(seen, ev.ID)
		if ev.ID == 2 {
			_, err := l.Append(context.Background(), New("late", TaskCreated, nil))
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)

	again, errs := collect(t, seq)
	require.Empty(t, errs)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, ids(again))

	var partial []uint64
	for ev := range seq {
		partial = append(partial, ev.ID)
		if len(partial) == 2 {
			break
		}
	}
	assert.Equal(t, []uint64{1, 2}, partial)
}

func TestRead_CorruptLinesAreQuarantinedAndSkipped(t *testing.T) {
	l, clock := newTestLog(t)
	appendN(t, l, clock, 2)

	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":3,"ticket_id":"T","type":"FILE_LOCKED","timestamp":1,"payload":{},"checksum":"bad"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	appendN(t, l, clock, 1)

	for range 2 {
		evs, errs := collect(t, l.ReadAll(context.Background()))
		assert.Equal(t, []uint64{1, 2, 3}, ids(evs))
		require.Len(t, errs, 2)

		ce, ok := AsCorrupt(errs[0])
		require.True(t, ok)
		assert.Equal(t, ReasonMalformedJSON, ce.Reason)
		ce, ok = AsCorrupt(errs[1])
		require.True(t, ok)
		assert.Equal(t, ReasonChecksumMismatch, ce.Reason)
		assert.Equal(t, uint64(3), ce.EventID)
	}

	entries, err := ReadQuarantine(l.QuarantinePath())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "{not json", entries[0].Raw)
	assert.Equal(t, 2, l.QuarantineCount())
}

func TestRead_CorruptLineBeforeRangeIsNotReported(t *testing.T) {
	l, clock := newTestLog(t)
	appendN(t, l, clock, 2)
	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	appendN(t, l, clock, 3)

	_, errs := collect(t, l.ReadFrom(context.Background(), 4))
	assert.Empty(t, errs)
	_, errs = collect(t, l.ReadFrom(context.Background(), 3))
	assert.Len(t, errs, 1)
}

func TestAppend_TerminatesPartialTail(t *testing.T) {
	l, clock := newTestLog(t)
	appendN(t, l, clock, 1)

	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":2,"ticket_id":"T","ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// An unterminated tail is invisible to readers.
	evs, errs := collect(t, l.ReadAll(context.Background()))
	assert.Len(t, evs, 1)
	assert.Empty(t, errs)

	ev, err := l.Append(context.Background(), New("T", AgentStarted, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.ID)

	evs, errs = collect(t, l.ReadAll(context.Background()))
	assert.Equal(t, []uint64{1, 2}, ids(evs))
	require.Len(t, errs, 1)
	assert.True(t, IsCorrupt(errs[0]))
}

func TestClosedLog(t *testing.T) {
	l, _ := newTestLog(t)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Append(context.Background(), New("T", TaskCreated, nil))
	assert.ErrorIs(t, err, ErrClosed)

	_, errs := collect(t, l.ReadAll(context.Background()))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrClosed)
}

func TestWriterLock_ExcludesOtherHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson.lock")
	a, err := openWriterLock(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := openWriterLock(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Lock())
	acquired := make(chan error, 1)
	go func() { acquired <- b.Lock() }()

	select {
	case <-acquired:
		t.Fatal("second handle acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Unlock())
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lock not handed over after unlock")
	}
	require.NoError(t, b.Unlock())
}

func TestPayloadAccessors(t *testing.T) {
	l, _ := newTestLog(t)
	ev, err := l.Append(context.Background(), New("T", WriteProposed, map[string]any{
		"request_id": "r-1",
		"ttl_ms":     int64(300000),
		"paths":      []string{"a.go", "b.go"},
		"intents":    []map[string]any{{"path": "a.go", "content_hash": "abc"}},
	}))
	require.NoError(t, err)

	assert.Equal(t, "r-1", ev.PayloadString("request_id"))
	assert.Equal(t, "", ev.PayloadString("missing"))
	n, ok := ev.PayloadInt64("ttl_ms")
	assert.True(t, ok)
	assert.Equal(t, int64(300000), n)
	_, ok = ev.PayloadInt64("request_id")
	assert.False(t, ok)
	assert.Equal(t, []string{"a.go", "b.go"}, ev.PayloadStrings("paths"))
	intents := ev.PayloadObjects("intents")
	require.Len(t, intents, 1)
	assert.Equal(t, "abc", intents[0]["content_hash"])
}

func TestTypeKnown(t *testing.T) {
	assert.True(t, FileLocked.Known())
	assert.True(t, ContractDecision.Known())
	assert.False(t, Type("SOMETHING_ELSE").Known())
}
