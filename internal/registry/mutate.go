package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/tessera/internal/eventlog"
)

// planFunc inspects current state inside the mutation transaction and
// returns the events to append. Returning no events ends the mutation
// without touching the log.
type planFunc func(tx *sql.Tx, now int64) ([]eventlog.Event, error)

// mutate runs one event-sourced mutation:
//
//  1. BEGIN IMMEDIATE (serializes against every other writer of the db)
//  2. plan: read state, decide which events to emit
//  3. append the events to the log as one batch
//  4. apply them through applyTx, the replay path
//  5. COMMIT
//
// If step 4 or 5 fails the events are already in the log. reconcileLocked
// then appends compensating unlocks for any locks taken and re-applies
// everything, so the log never records a lock the caller was told it
// did not get.
func (r *Registry) mutate(ctx context.Context, plan planFunc) ([]eventlog.Event, error) {
	if r.log == nil {
		return nil, ErrReadOnly
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mutation: %w", err)
	}
	defer tx.Rollback()

	events, err := plan(tx, r.now().UnixMilli())
	if err != nil || len(events) == 0 {
		return nil, err
	}

	appended, err := r.log.AppendBatch(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}

	for _, ev := range appended {
		if _, err := applyTx(ctx, tx, ev); err != nil {
			_ = tx.Rollback()
			r.reconcileLocked(ctx, appended, err)
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		r.reconcileLocked(ctx, appended, err)
		return nil, fmt.Errorf("commit mutation: %w", err)
	}
	return appended, nil
}

func (r *Registry) reconcileLocked(ctx context.Context, appended []eventlog.Event, cause error) {
	ctx = context.WithoutCancel(ctx)

	var inverse []eventlog.Event
	for _, ev := range appended {
		if ev.Type == eventlog.FileLocked {
			inverse = append(inverse, eventlog.New(ev.TicketID, eventlog.FileUnlocked, map[string]any{
				keyPath:   ev.PayloadString(keyPath),
				keyReason: "compensation",
			}))
		}
	}

	all := appended
	if len(inverse) > 0 {
		comp, err := r.log.AppendBatch(ctx, inverse)
		if err != nil {
			r.logger.Error("append compensating unlocks",
				"cause", cause,
				"error", err,
				"locks", len(inverse),
			)
		} else {
			all = append(append([]eventlog.Event{}, appended...), comp...)
		}
	}

	res, err := r.applyBatchLocked(ctx, all)
	if err != nil {
		r.logger.Error("registry is behind the event log; run sync or rebuild",
			"cause", cause,
			"error", err,
			"first_event_id", appended[0].ID,
		)
		return
	}
	r.logger.Warn("mutation reconciled after failure",
		"cause", cause,
		"applied", res.Applied,
		"compensating_unlocks", len(inverse),
	)
}
