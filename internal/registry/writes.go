package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tessera/internal/eventlog"
)

// CommitMeta carries the attribution recorded on committed files.
type CommitMeta struct {
	JobID string
	Agent string
}

func getWriteRequest(ctx context.Context, q querier, id string) (WriteRequest, error) {
	var w WriteRequest
	var status, intents string
	err := q.QueryRowContext(ctx, `
		SELECT request_id, ticket_id, phase, status, intents, created_at, completed_at, error
		FROM write_requests WHERE request_id = ?
	`, id).Scan(&w.RequestID, &w.TicketID, &w.Phase, &status, &intents, &w.CreatedAt, &w.CompletedAt, &w.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return WriteRequest{}, fmt.Errorf("%w: write request %s", ErrNotFound, id)
	}
	if err != nil {
		return WriteRequest{}, fmt.Errorf("get write request %s: %w", id, err)
	}
	w.Status = WriteStatus(status)
	if err := json.Unmarshal([]byte(intents), &w.Intents); err != nil {
		return WriteRequest{}, fmt.Errorf("decode intents of %s: %w", id, err)
	}
	return w, nil
}

// GetWriteRequest returns a write request by id.
func (r *Registry) GetWriteRequest(ctx context.Context, id string) (WriteRequest, error) {
	return getWriteRequest(ctx, r.db, id)
}

// WriteRequestsForTicket lists a ticket's write requests, oldest first.
func (r *Registry) WriteRequestsForTicket(ctx context.Context, ticket string) ([]WriteRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT request_id FROM write_requests WHERE ticket_id = ? ORDER BY created_at ASC, request_id ASC`, ticket)
	if err != nil {
		return nil, fmt.Errorf("query write requests: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]WriteRequest, 0, len(ids))
	for _, id := range ids {
		w, err := getWriteRequest(ctx, r.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// ProposeWrite opens phase 1 of a write: ticket declares the content hash
// it intends to leave at each path.
func (r *Registry) ProposeWrite(ctx context.Context, ticket string, intents []WriteIntent) (WriteRequest, error) {
	if ticket == "" {
		return WriteRequest{}, errors.New("propose write: empty ticket id")
	}
	if len(intents) == 0 {
		return WriteRequest{}, errors.New("propose write: no intents")
	}
	payloadIntents := make([]any, 0, len(intents))
	for _, in := range intents {
		rel, err := r.CanonicalPath(in.Path)
		if err != nil {
			return WriteRequest{}, fmt.Errorf("propose write: %w", err)
		}
		if in.ContentHash == "" {
			return WriteRequest{}, fmt.Errorf("propose write: %s has no content hash", rel)
		}
		payloadIntents = append(payloadIntents, map[string]any{keyPath: rel, keyContentHash: in.ContentHash})
	}

	id := r.ids.Generate()
	_, err := r.mutate(ctx, func(*sql.Tx, int64) ([]eventlog.Event, error) {
		return []eventlog.Event{eventlog.New(ticket, eventlog.WriteProposed, map[string]any{
			keyRequestID: id,
			keyIntents:   payloadIntents,
		})}, nil
	})
	if err != nil {
		return WriteRequest{}, fmt.Errorf("propose write: %w", err)
	}
	return r.GetWriteRequest(ctx, id)
}

// ValidateWrite runs phase 2. Each intent path must still be valid, locked
// by the request's ticket, and hold on disk exactly the proposed content.
// A failing check moves the request to failed and returns ErrWriteInvalid.
func (r *Registry) ValidateWrite(ctx context.Context, id string) (WriteRequest, error) {
	var problem string
	_, err := r.mutate(ctx, func(tx *sql.Tx, now int64) ([]eventlog.Event, error) {
		w, err := getWriteRequest(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if w.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, w.Status)
		}
		if w.Status != WriteStatusProposed {
			return nil, fmt.Errorf("%w: %s is %s", ErrPhase, id, w.Status)
		}

		problem = r.checkIntents(ctx, tx, w, now)
		if problem != "" {
			return []eventlog.Event{eventlog.New(w.TicketID, eventlog.WriteFailed, map[string]any{
				keyRequestID: id,
				keyError:     problem,
			})}, nil
		}
		return []eventlog.Event{eventlog.New(w.TicketID, eventlog.WriteValidated, map[string]any{
			keyRequestID: id,
		})}, nil
	})
	if err != nil {
		return WriteRequest{}, fmt.Errorf("validate write: %w", err)
	}
	w, err := r.GetWriteRequest(ctx, id)
	if err != nil {
		return WriteRequest{}, err
	}
	if problem != "" {
		return w, fmt.Errorf("%w: %s", ErrWriteInvalid, problem)
	}
	return w, nil
}

func (r *Registry) checkIntents(ctx context.Context, tx *sql.Tx, w WriteRequest, now int64) string {
	var problems []string
	for _, in := range w.Intents {
		_, abs, err := r.validator.Canonical(in.Path)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		cur, err := lockOf(ctx, tx, in.Path)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if cur.Status != Locked || cur.Owner != w.TicketID || cur.Expiry <= now {
			problems = append(problems, fmt.Sprintf("%s is not locked by %s", in.Path, w.TicketID))
			continue
		}
		hash, err := HashFile(abs)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s unreadable", in.Path))
			continue
		}
		if hash != in.ContentHash {
			problems = append(problems, fmt.Sprintf("%s content %s does not match intent %s", in.Path, hash, in.ContentHash))
		}
	}
	return strings.Join(problems, "; ")
}

// CommitWrite runs phase 3 for a validated request, registering every
// intent as the file's current content. If a lock was lost since
// validation the request fails instead and ErrNotOwner is returned.
func (r *Registry) CommitWrite(ctx context.Context, id string, meta CommitMeta) (WriteRequest, error) {
	var lost string
	_, err := r.mutate(ctx, func(tx *sql.Tx, now int64) ([]eventlog.Event, error) {
		w, err := getWriteRequest(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if w.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, w.Status)
		}
		if w.Status != WriteStatusValidated {
			return nil, fmt.Errorf("%w: %s is %s, want %s", ErrPhase, id, w.Status, WriteStatusValidated)
		}

		files := make([]any, 0, len(w.Intents))
		for _, in := range w.Intents {
			cur, err := lockOf(ctx, tx, in.Path)
			if err != nil {
				return nil, err
			}
			if cur.Status != Locked || cur.Owner != w.TicketID || cur.Expiry <= now {
				lost = in.Path
				return []eventlog.Event{eventlog.New(w.TicketID, eventlog.WriteFailed, map[string]any{
					keyRequestID: id,
					keyError:     fmt.Sprintf("lock on %s lost before commit", in.Path),
				})}, nil
			}
			_, abs, err := r.validator.Canonical(in.Path)
			if err != nil {
				return nil, err
			}
			files = append(files, fileEntry(in.Path, abs, in.ContentHash, meta.JobID, meta.Agent, r.classifier.Classify(in.Path)))
		}
		return []eventlog.Event{eventlog.New(w.TicketID, eventlog.WriteCommitted, map[string]any{
			keyRequestID: id,
			keyFiles:     files,
		})}, nil
	})
	if err != nil {
		return WriteRequest{}, fmt.Errorf("commit write: %w", err)
	}
	w, err := r.GetWriteRequest(ctx, id)
	if err != nil {
		return WriteRequest{}, err
	}
	if lost != "" {
		return w, fmt.Errorf("commit write: %w: %s", ErrNotOwner, lost)
	}
	return w, nil
}

// RollbackWrite abandons a proposed or validated request.
func (r *Registry) RollbackWrite(ctx context.Context, id, reason string) (WriteRequest, error) {
	_, err := r.mutate(ctx, func(tx *sql.Tx, _ int64) ([]eventlog.Event, error) {
		w, err := getWriteRequest(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if w.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, w.Status)
		}
		return []eventlog.Event{eventlog.New(w.TicketID, eventlog.WriteRolledBack, map[string]any{
			keyRequestID: id,
			keyReason:    reason,
		})}, nil
	})
	if err != nil {
		return WriteRequest{}, fmt.Errorf("rollback write: %w", err)
	}
	return r.GetWriteRequest(ctx, id)
}
