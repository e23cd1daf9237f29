package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/tessera/internal/eventlog"
)

// Payload keys shared by the appliers and the mutations that emit events.
const (
	keyPath           = "path"
	keyCanonicalPath  = "canonical_path"
	keyExpiresAt      = "expires_at"
	keyTTL            = "ttl_ms"
	keyPreviousOwner  = "previous_owner"
	keyPreviousExpiry = "previous_expiry"
	keyReason         = "reason"
	keyRequestID      = "request_id"
	keyIntents        = "intents"
	keyFiles          = "files"
	keyContentHash    = "content_hash"
	keyJobID          = "job_id"
	keyOwningAgent    = "owning_agent"
	keyComponent      = "component"
	keyError          = "error"
	keySource         = "source"
	keyTarget         = "target"
	keyType           = "type"
	keyContractID     = "contract_id"
	keyName           = "name"
	keyDecision       = "decision"
	keyRationale      = "rationale"
	keyKind           = "kind"
	keyAgent          = "agent"
	keyDurationMS     = "duration_ms"
)

// PayloadError reports an event whose checksum is intact but whose payload
// lacks what its type requires. Replay counts and skips these.
type PayloadError struct {
	EventID uint64
	Type    eventlog.Type
	Detail  string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("event %d (%s): invalid payload: %s", e.EventID, e.Type, e.Detail)
}

// IsPayloadError reports whether err is (or wraps) a PayloadError.
func IsPayloadError(err error) bool {
	var pe *PayloadError
	return errors.As(err, &pe)
}

func payloadErr(ev eventlog.Event, format string, args ...any) error {
	return &PayloadError{EventID: ev.ID, Type: ev.Type, Detail: fmt.Sprintf(format, args...)}
}

// BatchResult summarizes ApplyBatch.
type BatchResult struct {
	Applied    int
	Duplicates int
	Invalid    []*PayloadError
}

// Apply applies one event idempotently. It returns false when the event
// was applied before.
func (r *Registry) Apply(ctx context.Context, ev eventlog.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("apply event %d: %w", ev.ID, err)
	}
	defer tx.Rollback()

	applied, err := applyTx(ctx, tx, ev)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("apply event %d: commit: %w", ev.ID, err)
	}
	return applied, nil
}

// ApplyBatch applies events in order inside one transaction. Events with
// invalid payloads are skipped and reported; any other failure rolls the
// whole batch back.
func (r *Registry) ApplyBatch(ctx context.Context, events []eventlog.Event) (BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyBatchLocked(ctx, events)
}

func (r *Registry) applyBatchLocked(ctx context.Context, events []eventlog.Event) (BatchResult, error) {
	var res BatchResult
	if len(events) == 0 {
		return res, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("apply batch: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		applied, err := applyTx(ctx, tx, ev)
		var pe *PayloadError
		switch {
		case errors.As(err, &pe):
			res.Invalid = append(res.Invalid, pe)
		case err != nil:
			return BatchResult{}, err
		case applied:
			res.Applied++
		default:
			res.Duplicates++
		}
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("apply batch: commit: %w", err)
	}
	return res, nil
}

type applier func(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error

var appliers = map[eventlog.Type]applier{
	eventlog.FileLocked:        applyFileLocked,
	eventlog.FileUnlocked:      applyFileUnlocked,
	eventlog.FileLockReclaimed: applyLockReclaimed,
	eventlog.FileDeleted:       applyFileDeleted,
	eventlog.WriteProposed:     applyWriteProposed,
	eventlog.WriteValidated:    applyWriteValidated,
	eventlog.WriteFailed:       applyWriteFailed,
	eventlog.WriteCommitted:    applyWriteCommitted,
	eventlog.WriteRolledBack:   applyWriteRolledBack,
	eventlog.DependencyAdded:   applyDependencyAdded,
	eventlog.ContractDecision:  applyContractDecision,
	eventlog.TaskCreated:       applyTaskStatus(TaskStatusCreated),
	eventlog.AgentStarted:      applyTaskStatus(TaskStatusRunning),
	eventlog.AgentCompleted:    applyTaskStatus(TaskStatusCompleted),
	eventlog.AgentFailed:       applyTaskStatus(TaskStatusFailed),
	eventlog.AgentBlocked:      applyTaskStatus(TaskStatusBlocked),
	eventlog.TaskCancelled:     applyTaskStatus(TaskStatusCancelled),
}

// applyTx records ev in applied_events and applies its effect. Payloads
// are checked before anything is written so a PayloadError leaves the
// transaction untouched. Unknown event types are recorded without effect.
func applyTx(ctx context.Context, tx *sql.Tx, ev eventlog.Event) (bool, error) {
	if err := checkPayload(ev); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_events (event_id, type, ticket_id, applied_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, ev.ID, string(ev.Type), ev.TicketID, ev.Timestamp)
	if err != nil {
		return false, fmt.Errorf("record event %d: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event %d: %w", ev.ID, err)
	}
	if n == 0 {
		return false, nil
	}

	if fn, ok := appliers[ev.Type]; ok {
		if err := fn(ctx, tx, ev); err != nil {
			return false, fmt.Errorf("apply event %d (%s): %w", ev.ID, ev.Type, err)
		}
	}
	return true, nil
}

func checkPayload(ev eventlog.Event) error {
	need := func(keys ...string) error {
		for _, k := range keys {
			if ev.PayloadString(k) == "" {
				return payloadErr(ev, "missing %q", k)
			}
		}
		return nil
	}
	switch ev.Type {
	case eventlog.FileLocked:
		if ev.TicketID == "" {
			return payloadErr(ev, "missing ticket_id")
		}
		if exp, ok := ev.PayloadInt64(keyExpiresAt); !ok || exp <= 0 {
			return payloadErr(ev, "missing %q", keyExpiresAt)
		}
		return need(keyPath)
	case eventlog.FileUnlocked, eventlog.FileLockReclaimed, eventlog.FileDeleted:
		return need(keyPath)
	case eventlog.WriteProposed:
		if ev.TicketID == "" {
			return payloadErr(ev, "missing ticket_id")
		}
		if err := need(keyRequestID); err != nil {
			return err
		}
		if _, err := decodeIntents(ev); err != nil {
			return err
		}
	case eventlog.WriteValidated, eventlog.WriteFailed, eventlog.WriteRolledBack:
		return need(keyRequestID)
	case eventlog.WriteCommitted:
		for i, f := range ev.PayloadObjects(keyFiles) {
			if s, _ := f[keyPath].(string); s == "" {
				return payloadErr(ev, "files[%d] missing %q", i, keyPath)
			}
		}
	case eventlog.DependencyAdded:
		if err := need(keySource, keyTarget, keyType); err != nil {
			return err
		}
		if !DependencyType(ev.PayloadString(keyType)).Valid() {
			return payloadErr(ev, "unknown dependency type %q", ev.PayloadString(keyType))
		}
	case eventlog.ContractDecision:
		return need(keyContractID, keyName, keyDecision)
	case eventlog.TaskCreated, eventlog.AgentStarted, eventlog.AgentCompleted,
		eventlog.AgentFailed, eventlog.AgentBlocked, eventlog.TaskCancelled:
		if ev.TicketID == "" {
			return payloadErr(ev, "missing ticket_id")
		}
	}
	return nil
}

func applyFileLocked(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	path := ev.PayloadString(keyPath)
	canonical := ev.PayloadString(keyCanonicalPath)
	expires, _ := ev.PayloadInt64(keyExpiresAt)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, canonical_path, created_at, updated_at, last_event_id,
		                   lock_status, lock_owner, lock_expiry)
		VALUES (?, ?, ?, ?, ?, 'locked', ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			lock_status = 'locked',
			lock_owner = excluded.lock_owner,
			lock_expiry = excluded.lock_expiry,
			last_event_id = excluded.last_event_id
	`, path, canonical, ev.Timestamp, ev.Timestamp, ev.ID, ev.TicketID, expires)
	return err
}

// applyFileUnlocked only releases a lock still held by the event's ticket;
// a lock since reclaimed by another ticket is left alone.
func applyFileUnlocked(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE files
		SET lock_status = 'unlocked', lock_owner = '', lock_expiry = 0, last_event_id = ?
		WHERE path = ? AND lock_status = 'locked' AND lock_owner = ?
	`, ev.ID, ev.PayloadString(keyPath), ev.TicketID)
	return err
}

func applyLockReclaimed(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE files
		SET lock_status = 'unlocked', lock_owner = '', lock_expiry = 0, last_event_id = ?
		WHERE path = ?
	`, ev.ID, ev.PayloadString(keyPath))
	return err
}

func applyFileDeleted(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, canonical_path, ticket_id, created_at, updated_at, last_event_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(path) DO UPDATE SET
			deleted = 1,
			ticket_id = excluded.ticket_id,
			updated_at = excluded.updated_at,
			last_event_id = excluded.last_event_id
	`, ev.PayloadString(keyPath), ev.PayloadString(keyCanonicalPath), ev.TicketID, ev.Timestamp, ev.Timestamp, ev.ID)
	return err
}

func decodeIntents(ev eventlog.Event) ([]WriteIntent, error) {
	objs := ev.PayloadObjects(keyIntents)
	if len(objs) == 0 {
		return nil, payloadErr(ev, "no intents")
	}
	out := make([]WriteIntent, 0, len(objs))
	for i, o := range objs {
		path, _ := o[keyPath].(string)
		hash, _ := o[keyContentHash].(string)
		if path == "" || hash == "" {
			return nil, payloadErr(ev, "intents[%d] incomplete", i)
		}
		out = append(out, WriteIntent{Path: path, ContentHash: hash})
	}
	return out, nil
}

func applyWriteProposed(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	intents, err := decodeIntents(ev)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(intents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO write_requests (request_id, ticket_id, phase, status, intents, created_at, last_event_id)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`, ev.PayloadString(keyRequestID), ev.TicketID, string(WriteStatusProposed), string(raw), ev.Timestamp, ev.ID)
	return err
}

func applyWriteValidated(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE write_requests SET phase = 2, status = ?, last_event_id = ?
		WHERE request_id = ? AND status = ?
	`, string(WriteStatusValidated), ev.ID, ev.PayloadString(keyRequestID), string(WriteStatusProposed))
	return err
}

func applyWriteFailed(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE write_requests SET phase = 2, status = ?, error = ?, completed_at = ?, last_event_id = ?
		WHERE request_id = ? AND status IN (?, ?)
	`, string(WriteStatusFailed), ev.PayloadString(keyError), ev.Timestamp, ev.ID,
		ev.PayloadString(keyRequestID), string(WriteStatusProposed), string(WriteStatusValidated))
	return err
}

func applyWriteRolledBack(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE write_requests SET phase = 3, status = ?, error = ?, completed_at = ?, last_event_id = ?
		WHERE request_id = ? AND status IN (?, ?)
	`, string(WriteStatusRolledBack), ev.PayloadString(keyReason), ev.Timestamp, ev.ID,
		ev.PayloadString(keyRequestID), string(WriteStatusProposed), string(WriteStatusValidated))
	return err
}

func applyWriteCommitted(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	for _, f := range ev.PayloadObjects(keyFiles) {
		str := func(k string) string { s, _ := f[k].(string); return s }
		_, err := tx.ExecContext(ctx, `
			INSERT INTO files (path, canonical_path, content_hash, ticket_id, job_id, owning_agent,
			                   component, created_at, updated_at, last_event_id, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(path) DO UPDATE SET
				canonical_path = excluded.canonical_path,
				content_hash = excluded.content_hash,
				ticket_id = excluded.ticket_id,
				job_id = excluded.job_id,
				owning_agent = excluded.owning_agent,
				component = excluded.component,
				updated_at = excluded.updated_at,
				last_event_id = excluded.last_event_id,
				deleted = 0
		`, str(keyPath), str(keyCanonicalPath), str(keyContentHash), ev.TicketID, str(keyJobID),
			str(keyOwningAgent), str(keyComponent), ev.Timestamp, ev.Timestamp, ev.ID)
		if err != nil {
			return err
		}
	}

	if id := ev.PayloadString(keyRequestID); id != "" {
		_, err := tx.ExecContext(ctx, `
			UPDATE write_requests SET phase = 3, status = ?, completed_at = ?, last_event_id = ?
			WHERE request_id = ? AND status = ?
		`, string(WriteStatusCommitted), ev.Timestamp, ev.ID, id, string(WriteStatusValidated))
		if err != nil {
			return err
		}
	}
	return nil
}

func applyDependencyAdded(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO file_relationships (source, target, type, ticket_id, created_at, last_event_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, target, type) DO NOTHING
	`, ev.PayloadString(keySource), ev.PayloadString(keyTarget), ev.PayloadString(keyType),
		ev.TicketID, ev.Timestamp, ev.ID)
	return err
}

func applyContractDecision(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO contracts (contract_id, ticket_id, name, decision, rationale, created_at, last_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contract_id) DO UPDATE SET
			decision = excluded.decision,
			rationale = excluded.rationale,
			last_event_id = excluded.last_event_id
	`, ev.PayloadString(keyContractID), ev.TicketID, ev.PayloadString(keyName),
		ev.PayloadString(keyDecision), ev.PayloadString(keyRationale), ev.Timestamp, ev.ID)
	return err
}

func applyTaskStatus(status TaskStatus) applier {
	return func(ctx context.Context, tx *sql.Tx, ev eventlog.Event) error {
		duration, _ := ev.PayloadInt64(keyDurationMS)
		errText := ev.PayloadString(keyError)
		if errText == "" {
			errText = ev.PayloadString(keyReason)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (ticket_id, kind, agent, status, created_at, updated_at, duration_ms, error, last_event_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ticket_id) DO UPDATE SET
				kind = CASE WHEN excluded.kind != '' THEN excluded.kind ELSE tasks.kind END,
				agent = CASE WHEN excluded.agent != '' THEN excluded.agent ELSE tasks.agent END,
				status = excluded.status,
				updated_at = excluded.updated_at,
				duration_ms = excluded.duration_ms,
				error = excluded.error,
				last_event_id = excluded.last_event_id
		`, ev.TicketID, ev.PayloadString(keyKind), ev.PayloadString(keyAgent), string(status),
			ev.Timestamp, ev.Timestamp, duration, errText, ev.ID)
		return err
	}
}
