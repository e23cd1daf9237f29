package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultIndexStride = 256
	maxLineSize        = 16 << 20
	readBufferSize     = 64 << 10
)

// Options configures a Log.
type Options struct {
	// Fsync forces every append to stable storage before returning.
	Fsync bool

	// IndexStride is the number of records between sparse index points.
	IndexStride int

	Logger *slog.Logger

	// Now supplies append timestamps. Defaults to time.Now.
	Now func() time.Time
}

type indexEntry struct {
	id     uint64
	ts     int64
	offset int64
}

// Log is an append-only ndjson event log.
//
// Appends are serialized in-process by a mutex and across processes by an
// advisory flock on "<path>.lock". Every record is written with a single
// write call; a failed write is truncated away so no partial record is
// left behind. Readers iterate lazily from byte offsets located through a
// sparse id index.
type Log struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	fsync  bool
	stride int

	mu     sync.Mutex
	f      *os.File
	lock   *writerLock
	q      *quarantine
	closed bool
	write  func([]byte) (int, error)

	// Tail state, guarded by mu. size covers complete lines only.
	size    int64
	lastID  uint64
	lastTS  int64
	count   int
	index   []indexEntry
	tailLen int64 // bytes of an unterminated last line
}

// Open opens (creating if needed) the log at path and scans it once to
// recover the last id, the last timestamp and the sparse index.
func Open(path string, opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IndexStride <= 0 {
		opts.IndexStride = defaultIndexStride
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	lock, err := openWriterLock(path + ".lock")
	if err != nil {
		f.Close()
		return nil, err
	}
	q, err := openQuarantine(path+".quarantine", opts.Logger, opts.Now)
	if err != nil {
		f.Close()
		lock.Close()
		return nil, err
	}

	l := &Log{
		path:   path,
		logger: opts.Logger,
		now:    opts.Now,
		fsync:  opts.Fsync,
		stride: opts.IndexStride,
		f:      f,
		lock:   lock,
		q:      q,
		write:  f.Write,
	}

	l.mu.Lock()
	err = l.syncTailLocked()
	l.mu.Unlock()
	if err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// QuarantinePath returns the path of the quarantine stream.
func (l *Log) QuarantinePath() string { return l.q.path }

// QuarantineCount returns the number of distinct quarantined records.
func (l *Log) QuarantineCount() int { return l.q.count() }

// LastID returns the highest event id in the log, including records
// appended by other processes since the last call.
func (l *Log) LastID() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if err := l.syncTailLocked(); err != nil {
		return 0, err
	}
	return l.lastID, nil
}

// Append appends one event, returning it with its assigned id, timestamp
// and checksum.
func (l *Log) Append(ctx context.Context, ev Event) (Event, error) {
	out, err := l.AppendBatch(ctx, []Event{ev})
	if err != nil {
		return Event{}, err
	}
	return out[0], nil
}

// AppendBatch appends events as one write: either all of them are
// persisted with consecutive ids and one shared timestamp, or none are.
func (l *Log) AppendBatch(ctx context.Context, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	if err := l.lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquire writer lock: %w", err)
	}
	defer func() {
		if err := l.lock.Unlock(); err != nil {
			l.logger.Error("release writer lock", "error", err)
		}
	}()

	if err := l.syncTailLocked(); err != nil {
		return nil, err
	}
	if l.tailLen > 0 {
		if err := l.terminateTailLocked(); err != nil {
			return nil, err
		}
	}

	ts := max(l.now().UnixMilli(), l.lastTS)
	id := l.lastID

	var buf bytes.Buffer
	out := make([]Event, len(events))
	offsets := make([]int64, len(events))
	for i, ev := range events {
		if ev.Type == "" {
			return nil, fmt.Errorf("%w: event %d has no type", ErrInvalidEvent, i)
		}
		payload, err := normalizePayload(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		id++
		ev.ID = id
		ev.Timestamp = ts
		ev.Payload = payload
		sum, err := ComputeChecksum(ev)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		ev.Checksum = sum

		line, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		offsets[i] = l.size + int64(buf.Len())
		buf.Write(line)
		buf.WriteByte('\n')
		out[i] = ev
	}

	if err := l.writeLocked(buf.Bytes(), l.size); err != nil {
		return nil, err
	}
	l.size += int64(buf.Len())
	for i := range out {
		l.observeLocked(out[i], offsets[i])
	}
	return out, nil
}

// writeLocked writes data in one call. On any failure the file is cut back
// to base, its size before the write.
func (l *Log) writeLocked(data []byte, base int64) error {
	n, err := l.write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err == nil && l.fsync {
		err = l.f.Sync()
	}
	if err != nil {
		if terr := l.f.Truncate(base); terr != nil {
			return fmt.Errorf("append event: %w (truncate to %d failed: %v)", err, base, terr)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// terminateTailLocked ends a line left unterminated by a crashed writer so
// the next record starts on a fresh line. The fragment is then read as a
// corrupt record and quarantined; it is never deleted.
func (l *Log) terminateTailLocked() error {
	if err := l.writeLocked([]byte{'\n'}, l.size+l.tailLen); err != nil {
		return err
	}
	l.logger.Warn("terminated partial record at log tail", "offset", l.size)
	return l.syncTailLocked()
}

// syncTailLocked scans complete lines appended after l.size.
func (l *Log) syncTailLocked() error {
	fi, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	if fi.Size() < l.size {
		l.logger.Warn("event log shrank, rescanning", "path", l.path, "known_size", l.size, "size", fi.Size())
		l.size, l.lastID, l.lastTS, l.count, l.index = 0, 0, 0, 0, nil
	}
	l.tailLen = 0
	if fi.Size() == l.size {
		return nil
	}

	r, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open event log for scan: %w", err)
	}
	defer r.Close()
	if _, err := r.Seek(l.size, io.SeekStart); err != nil {
		return fmt.Errorf("seek event log: %w", err)
	}

	br := bufio.NewReaderSize(r, readBufferSize)
	off := l.size
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			l.tailLen = int64(len(line))
			break
		}
		if err != nil {
			return fmt.Errorf("scan event log: %w", err)
		}
		ev, skip, cerr := decodeRecord(line, off)
		switch {
		case skip:
		case cerr != nil:
			l.q.record(cerr, trimLine(line))
		case ev.ID > l.lastID:
			l.observeLocked(ev, off)
		}
		off += int64(len(line))
	}
	l.size = off
	return nil
}

func (l *Log) observeLocked(ev Event, offset int64) {
	if l.count%l.stride == 0 {
		l.index = append(l.index, indexEntry{id: ev.ID, ts: ev.Timestamp, offset: offset})
	}
	l.count++
	l.lastID = ev.ID
	l.lastTS = max(l.lastTS, ev.Timestamp)
}

// Close releases the file handles. Further operations return ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	ferr := l.f.Close()
	lerr := l.lock.Close()
	if ferr != nil {
		return fmt.Errorf("close event log: %w", ferr)
	}
	if lerr != nil {
		return fmt.Errorf("close lock file: %w", lerr)
	}
	return nil
}

func trimLine(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}

// decodeRecord parses one line. Blank lines are skipped.
func decodeRecord(line []byte, offset int64) (Event, bool, *CorruptRecordError) {
	trimmed := trimLine(line)
	if len(bytes.TrimSpace(trimmed)) == 0 {
		return Event{}, true, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, false, &CorruptRecordError{Offset: offset, Reason: ReasonMalformedJSON, Detail: err.Error()}
	}
	if dec.More() {
		return Event{}, false, &CorruptRecordError{Offset: offset, Reason: ReasonMalformedJSON, Detail: "trailing data"}
	}
	if ev.ID == 0 {
		return Event{}, false, &CorruptRecordError{Offset: offset, Reason: ReasonMissingID}
	}
	if ev.Type == "" {
		return Event{}, false, &CorruptRecordError{Offset: offset, EventID: ev.ID, Reason: ReasonMissingType}
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	if !ev.Verify() {
		return Event{}, false, &CorruptRecordError{Offset: offset, EventID: ev.ID, Reason: ReasonChecksumMismatch}
	}
	return ev, false, nil
}
