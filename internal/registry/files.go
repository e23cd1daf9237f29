package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tessera/internal/eventlog"
)

const fileColumns = `path, canonical_path, content_hash, ticket_id, job_id, owning_agent, component,
	created_at, updated_at, last_event_id, deleted, lock_status, lock_owner, lock_expiry`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(s rowScanner) (FileRecord, error) {
	var f FileRecord
	var deleted int
	var status string
	err := s.Scan(&f.Path, &f.CanonicalPath, &f.ContentHash, &f.TicketID, &f.JobID, &f.OwningAgent,
		&f.Component, &f.CreatedAt, &f.UpdatedAt, &f.LastEventID, &deleted, &status, &f.LockOwner, &f.LockExpiry)
	if err != nil {
		return FileRecord{}, err
	}
	f.Deleted = deleted != 0
	f.LockStatus = LockStatus(status)
	return f, nil
}

func queryFiles(ctx context.Context, q querier, where string, args ...any) ([]FileRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+fileColumns+` FROM files `+where+` ORDER BY path ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// fileEntry is the payload form of one file in WRITE_COMMITTED.
func fileEntry(rel, abs, hash, jobID, agent, component string) map[string]any {
	return map[string]any{
		keyPath:          rel,
		keyCanonicalPath: abs,
		keyContentHash:   hash,
		keyJobID:         jobID,
		keyOwningAgent:   agent,
		keyComponent:     component,
	}
}

// checkWritable fails when path is locked by a ticket other than ticket
// and the lock has not expired.
func checkWritable(ctx context.Context, tx *sql.Tx, path, ticket string, now int64) error {
	cur, err := lockOf(ctx, tx, path)
	if err != nil {
		return err
	}
	if cur.Status == Locked && cur.Owner != ticket && cur.Expiry > now {
		return fmt.Errorf("%w: %s held by %s", ErrNotOwner, path, cur.Owner)
	}
	return nil
}

// RegisterFile records a file write observed outside the write-request
// lifecycle. An empty ContentHash is filled from the file on disk and an
// empty Component from the configured classifier.
func (r *Registry) RegisterFile(ctx context.Context, rec FileRecord) error {
	if rec.TicketID == "" {
		return errors.New("register file: empty ticket id")
	}
	rel, abs, err := r.validator.Canonical(rec.Path)
	if err != nil {
		return fmt.Errorf("register file: %w", err)
	}
	hash := rec.ContentHash
	if hash == "" {
		if hash, err = HashFile(abs); err != nil {
			return fmt.Errorf("register file: %w", err)
		}
	}
	component := rec.Component
	if component == "" {
		component = r.classifier.Classify(rel)
	}

	_, err = r.mutate(ctx, func(tx *sql.Tx, now int64) ([]eventlog.Event, error) {
		if err := checkWritable(ctx, tx, rel, rec.TicketID, now); err != nil {
			return nil, err
		}
		return []eventlog.Event{eventlog.New(rec.TicketID, eventlog.WriteCommitted, map[string]any{
			keyFiles: []any{fileEntry(rel, abs, hash, rec.JobID, rec.OwningAgent, component)},
		})}, nil
	})
	if err != nil {
		return fmt.Errorf("register file: %w", err)
	}
	return nil
}

// MarkDeleted flags a registered file as deleted. Rows are never removed.
func (r *Registry) MarkDeleted(ctx context.Context, path, ticket string) error {
	rel, abs, err := r.validator.Canonical(path)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	_, err = r.mutate(ctx, func(tx *sql.Tx, now int64) ([]eventlog.Event, error) {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE path = ? AND content_hash != ''`, rel).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		if err := checkWritable(ctx, tx, rel, ticket, now); err != nil {
			return nil, err
		}
		return []eventlog.Event{eventlog.New(ticket, eventlog.FileDeleted, map[string]any{
			keyPath:          rel,
			keyCanonicalPath: abs,
		})}, nil
	})
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// GetFile returns the row for path, or ErrNotFound.
func (r *Registry) GetFile(ctx context.Context, path string) (FileRecord, error) {
	rel, _, err := r.validator.Canonical(path)
	if err != nil {
		return FileRecord{}, err
	}
	f, err := scanFile(r.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE path = ?`, rel))
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file %s: %w", rel, err)
	}
	return f, nil
}

// ListFiles returns every file with content that is not marked deleted.
func (r *Registry) ListFiles(ctx context.Context) ([]FileRecord, error) {
	return queryFiles(ctx, r.db, `WHERE deleted = 0 AND content_hash != ''`)
}

// FilesForTicket returns the files last written by ticket.
func (r *Registry) FilesForTicket(ctx context.Context, ticket string) ([]FileRecord, error) {
	return queryFiles(ctx, r.db, `WHERE ticket_id = ? AND deleted = 0`, ticket)
}

// FilesByHash returns live files whose content hash equals hash.
func (r *Registry) FilesByHash(ctx context.Context, hash string) ([]FileRecord, error) {
	return queryFiles(ctx, r.db, `WHERE content_hash = ? AND deleted = 0`, hash)
}

// FilesInComponent returns live files classified into component.
func (r *Registry) FilesInComponent(ctx context.Context, component string) ([]FileRecord, error) {
	return queryFiles(ctx, r.db, `WHERE component = ? AND deleted = 0`, component)
}
