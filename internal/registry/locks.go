package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/tessera/internal/eventlog"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type lockTarget struct {
	rel string
	abs string
}

// lockTargets validates, canonicalizes, dedupes and sorts paths.
func (r *Registry) lockTargets(paths []string) ([]lockTarget, error) {
	seen := make(map[string]struct{}, len(paths))
	out := make([]lockTarget, 0, len(paths))
	for _, p := range paths {
		rel, abs, err := r.validator.Canonical(p)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}
		out = append(out, lockTarget{rel: rel, abs: abs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rel < out[j].rel })
	return out, nil
}

func lockOf(ctx context.Context, q querier, path string) (Lock, error) {
	l := Lock{Path: path, Status: Unlocked}
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT lock_status, lock_owner, lock_expiry FROM files WHERE path = ?`, path,
	).Scan(&status, &l.Owner, &l.Expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return l, nil
	}
	if err != nil {
		return l, fmt.Errorf("read lock %s: %w", path, err)
	}
	l.Status = LockStatus(status)
	return l, nil
}

// AcquireLock locks a single path for ticket. See AcquireLocks.
func (r *Registry) AcquireLock(ctx context.Context, path, ticket string, ttl time.Duration) (bool, error) {
	return r.AcquireLocks(ctx, ticket, []string{path}, ttl)
}

// AcquireLocks locks every path for ticket, or none of them.
//
// Within one IMMEDIATE transaction every path is checked; if any is held
// by another ticket with an unexpired lock the call returns false and
// emits nothing, leaving lock state exactly as it was. Otherwise one batch
// of events is appended: FILE_LOCK_RECLAIMED for each expired foreign lock
// followed by FILE_LOCKED for each path. Locks already held by ticket are
// refreshed. Contention is reported, never retried.
func (r *Registry) AcquireLocks(ctx context.Context, ticket string, paths []string, ttl time.Duration) (bool, error) {
	if ticket == "" {
		return false, errors.New("acquire locks: empty ticket id")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("acquire locks: ttl must be positive, got %s", ttl)
	}
	targets, err := r.lockTargets(paths)
	if err != nil {
		return false, fmt.Errorf("acquire locks: %w", err)
	}
	if len(targets) == 0 {
		return true, nil
	}

	var conflict Lock
	appended, err := r.mutate(ctx, func(tx *sql.Tx, now int64) ([]eventlog.Event, error) {
		expires := now + ttl.Milliseconds()
		var events []eventlog.Event
		for _, t := range targets {
			cur, err := lockOf(ctx, tx, t.rel)
			if err != nil {
				return nil, err
			}
			if cur.Status == Locked && cur.Owner != ticket {
				if cur.Expiry > now {
					conflict = cur
					return nil, nil
				}
				events = append(events, eventlog.New(ticket, eventlog.FileLockReclaimed, map[string]any{
					keyPath:           t.rel,
					keyPreviousOwner:  cur.Owner,
					keyPreviousExpiry: cur.Expiry,
				}))
			}
			events = append(events, eventlog.New(ticket, eventlog.FileLocked, map[string]any{
				keyPath:          t.rel,
				keyCanonicalPath: t.abs,
				keyTTL:           ttl.Milliseconds(),
				keyExpiresAt:     expires,
			}))
		}
		return events, nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire locks: %w", err)
	}
	if conflict.Owner != "" {
		r.logger.Debug("lock contention",
			"ticket", ticket,
			"path", conflict.Path,
			"holder", conflict.Owner,
			"expiry", conflict.Expiry,
		)
		return false, nil
	}

	for _, ev := range appended {
		if ev.Type != eventlog.FileLockReclaimed {
			continue
		}
		prevExpiry, _ := ev.PayloadInt64(keyPreviousExpiry)
		r.logger.Warn("reclaimed stale lock",
			"path", ev.PayloadString(keyPath),
			"previous_owner", ev.PayloadString(keyPreviousOwner),
			"previous_expiry", time.UnixMilli(prevExpiry).UTC().Format(time.RFC3339Nano),
			"ticket", ticket,
			"event_id", ev.ID,
		)
	}
	return true, nil
}

// ReleaseLock releases ticket's lock on path. Releasing an unlocked path
// is a no-op; releasing a path locked by another ticket is ErrNotOwner.
func (r *Registry) ReleaseLock(ctx context.Context, path, ticket string) error {
	rel, _, err := r.validator.Canonical(path)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	_, err = r.mutate(ctx, func(tx *sql.Tx, _ int64) ([]eventlog.Event, error) {
		cur, err := lockOf(ctx, tx, rel)
		if err != nil {
			return nil, err
		}
		if cur.Status != Locked {
			return nil, nil
		}
		if cur.Owner != ticket {
			return nil, fmt.Errorf("%w: %s held by %s", ErrNotOwner, rel, cur.Owner)
		}
		return []eventlog.Event{eventlog.New(ticket, eventlog.FileUnlocked, map[string]any{keyPath: rel})}, nil
	})
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ReleaseAll releases every lock held by ticket and returns how many.
func (r *Registry) ReleaseAll(ctx context.Context, ticket string) (int, error) {
	appended, err := r.mutate(ctx, func(tx *sql.Tx, _ int64) ([]eventlog.Event, error) {
		paths, err := lockedBy(ctx, tx, ticket)
		if err != nil {
			return nil, err
		}
		events := make([]eventlog.Event, 0, len(paths))
		for _, p := range paths {
			events = append(events, eventlog.New(ticket, eventlog.FileUnlocked, map[string]any{keyPath: p}))
		}
		return events, nil
	})
	if err != nil {
		return 0, fmt.Errorf("release all: %w", err)
	}
	return len(appended), nil
}

func lockedBy(ctx context.Context, q querier, ticket string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT path FROM files
		WHERE lock_status = 'locked' AND lock_owner = ?
		ORDER BY path ASC
	`, ticket)
	if err != nil {
		return nil, fmt.Errorf("query locks of %s: %w", ticket, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LockState returns the lock row of each path, in the order given.
// Expired locks are reported as they are stored; callers compare Expiry.
func (r *Registry) LockState(ctx context.Context, paths []string) ([]Lock, error) {
	out := make([]Lock, 0, len(paths))
	for _, p := range paths {
		rel, _, err := r.validator.Canonical(p)
		if err != nil {
			return nil, err
		}
		l, err := lockOf(ctx, r.db, rel)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Locks lists every held lock ordered by path.
func (r *Registry) Locks(ctx context.Context) ([]Lock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT path, lock_owner, lock_expiry FROM files
		WHERE lock_status = 'locked'
		ORDER BY path ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()
	var out []Lock
	for rows.Next() {
		l := Lock{Status: Locked}
		if err := rows.Scan(&l.Path, &l.Owner, &l.Expiry); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LocksHeldBy lists the paths ticket currently holds.
func (r *Registry) LocksHeldBy(ctx context.Context, ticket string) ([]string, error) {
	return lockedBy(ctx, r.db, ticket)
}
