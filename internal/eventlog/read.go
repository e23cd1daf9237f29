package eventlog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"sort"
)

// MaxTimestamp is an open upper bound for ReadRange.
const MaxTimestamp = math.MaxInt64

// ReadAll iterates every record of the log.
func (l *Log) ReadAll(ctx context.Context) iter.Seq2[Event, error] {
	return l.ReadFrom(ctx, 0)
}

// ReadFrom iterates records with id >= fromID.
//
// The sequence is lazy and finite: each iteration stops at the end of the
// log as it was when that iteration started, and ranging over it again
// starts over. Corrupt lines yield a *CorruptRecordError and iteration
// continues. A non-corrupt error (I/O, cancellation) is yielded last.
func (l *Log) ReadFrom(ctx context.Context, fromID uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			yield(Event{}, ErrClosed)
			return
		}
		if err := l.syncTailLocked(); err != nil {
			l.mu.Unlock()
			yield(Event{}, err)
			return
		}
		start := l.seekByIDLocked(fromID)
		end := l.size
		l.mu.Unlock()

		startID := start.id
		if startID == 0 {
			startID = 1
		}
		l.scan(ctx, start.offset, end, fromID <= startID, func(ev Event) (bool, bool, bool) {
			return ev.ID >= fromID, false, ev.ID+1 >= fromID
		}, yield)
	}
}

// ReadRange iterates records with fromTS <= timestamp <= toTS, both in
// milliseconds. Timestamps never decrease along the log, so iteration
// stops at the first record past toTS.
func (l *Log) ReadRange(ctx context.Context, fromTS, toTS int64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if toTS < fromTS {
			return
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			yield(Event{}, ErrClosed)
			return
		}
		if err := l.syncTailLocked(); err != nil {
			l.mu.Unlock()
			yield(Event{}, err)
			return
		}
		start := l.seekByTimestampLocked(fromTS)
		end := l.size
		l.mu.Unlock()

		l.scan(ctx, start.offset, end, start.offset == 0 && fromTS <= 0, func(ev Event) (bool, bool, bool) {
			if ev.Timestamp > toTS {
				return false, true, false
			}
			in := ev.Timestamp >= fromTS
			return in, false, in
		}, yield)
	}
}

// seekByIDLocked returns the last index point with id <= id.
func (l *Log) seekByIDLocked(id uint64) indexEntry {
	i := sort.Search(len(l.index), func(i int) bool { return l.index[i].id > id })
	if i == 0 {
		return indexEntry{}
	}
	return l.index[i-1]
}

// seekByTimestampLocked returns the last index point whose timestamp is
// strictly below ts; every record before it is therefore out of range.
func (l *Log) seekByTimestampLocked(ts int64) indexEntry {
	i := sort.Search(len(l.index), func(i int) bool { return l.index[i].ts >= ts })
	if i == 0 {
		return indexEntry{}
	}
	return l.index[i-1]
}

// visitFunc classifies a valid record: emit it, stop the scan, and whether
// corrupt lines following it fall inside the requested range.
type visitFunc func(ev Event) (emit, stop, inRange bool)

func (l *Log) scan(ctx context.Context, start, end int64, inRange bool, visit visitFunc, yield func(Event, error) bool) {
	if start >= end {
		return
	}
	f, err := os.Open(l.path)
	if err != nil {
		yield(Event{}, fmt.Errorf("open event log: %w", err))
		return
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		yield(Event{}, fmt.Errorf("seek event log: %w", err))
		return
	}

	br := bufio.NewReaderSize(f, readBufferSize)
	off := start
	for off < end {
		if err := ctx.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(Event{}, fmt.Errorf("read event log: %w", err))
			return
		}
		lineOff := off
		off += int64(len(line))

		ev, skip, cerr := decodeRecord(line, lineOff)
		if skip {
			continue
		}
		if cerr != nil {
			l.q.record(cerr, trimLine(line))
			if inRange && !yield(Event{}, cerr) {
				return
			}
			continue
		}

		emit, stop, next := visit(ev)
		if stop {
			return
		}
		inRange = next
		if emit && !yield(ev, nil) {
			return
		}
	}
}
