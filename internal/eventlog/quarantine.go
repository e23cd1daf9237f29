package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// QuarantineEntry is one line of the quarantine stream.
type QuarantineEntry struct {
	Offset        int64  `json:"offset"`
	EventID       uint64 `json:"event_id,omitempty"`
	Reason        string `json:"reason"`
	Raw           string `json:"raw"`
	QuarantinedAt int64  `json:"quarantined_at"`
}

// quarantine records each corrupt offset at most once, across restarts.
type quarantine struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[int64]struct{}
}

func openQuarantine(path string, logger *slog.Logger, now func() time.Time) (*quarantine, error) {
	q := &quarantine{path: path, logger: logger, now: now, seen: make(map[int64]struct{})}
	entries, err := ReadQuarantine(path)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		q.seen[e.Offset] = struct{}{}
	}
	return q, nil
}

// record appends the corrupt line to the quarantine stream unless that
// offset was already recorded. Failures to write are logged, not returned:
// quarantining must never abort a read.
func (q *quarantine) record(cerr *CorruptRecordError, raw []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.seen[cerr.Offset]; dup {
		return
	}

	q.logger.Warn("quarantining corrupt event record",
		"offset", cerr.Offset,
		"reason", cerr.Reason,
		"detail", cerr.Detail,
	)

	line, err := json.Marshal(QuarantineEntry{
		Offset:        cerr.Offset,
		EventID:       cerr.EventID,
		Reason:        cerr.Reason,
		Raw:           string(raw),
		QuarantinedAt: q.now().UnixMilli(),
	})
	if err != nil {
		q.logger.Error("encode quarantine entry", "error", err)
		return
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		q.logger.Error("open quarantine stream", "path", q.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		q.logger.Error("write quarantine stream", "path", q.path, "error", err)
		return
	}
	q.seen[cerr.Offset] = struct{}{}
}

func (q *quarantine) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}

// ReadQuarantine loads every entry of a quarantine stream. A missing file
// yields no entries.
func ReadQuarantine(path string) ([]QuarantineEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open quarantine: %w", err)
	}
	defer f.Close()

	var out []QuarantineEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		var e QuarantineEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan quarantine: %w", err)
	}
	return out, nil
}
