package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tessera/internal/eventlog"
)

var taskEventTypes = map[eventlog.Type]bool{
	eventlog.TaskCreated:    true,
	eventlog.TaskCancelled:  true,
	eventlog.AgentStarted:   true,
	eventlog.AgentCompleted: true,
	eventlog.AgentFailed:    true,
	eventlog.AgentBlocked:   true,
}

// RecordTaskEvents appends task lifecycle events (TASK_* and AGENT_*) and
// applies them to the tasks table. Other event types are rejected: they
// must go through the operation that checks their preconditions.
func (r *Registry) RecordTaskEvents(ctx context.Context, events ...eventlog.Event) ([]eventlog.Event, error) {
	for _, ev := range events {
		if !taskEventTypes[ev.Type] {
			return nil, fmt.Errorf("record task events: %s is not a task lifecycle event", ev.Type)
		}
		if ev.TicketID == "" {
			return nil, errors.New("record task events: empty ticket id")
		}
	}
	appended, err := r.mutate(ctx, func(*sql.Tx, int64) ([]eventlog.Event, error) {
		return events, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record task events: %w", err)
	}
	return appended, nil
}

const taskColumns = `ticket_id, kind, agent, status, created_at, updated_at, duration_ms, error`

func scanTask(s rowScanner) (TaskRecord, error) {
	var t TaskRecord
	var status string
	if err := s.Scan(&t.TicketID, &t.Kind, &t.Agent, &status, &t.CreatedAt, &t.UpdatedAt, &t.DurationMS, &t.Error); err != nil {
		return TaskRecord{}, err
	}
	t.Status = TaskStatus(status)
	return t, nil
}

func queryTasks(ctx context.Context, q querier) ([]TaskRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY ticket_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Tasks lists every ticket seen in the log with its last status.
func (r *Registry) Tasks(ctx context.Context) ([]TaskRecord, error) {
	return queryTasks(ctx, r.db)
}

// Task returns one ticket's record, or ErrNotFound.
func (r *Registry) Task(ctx context.Context, ticket string) (TaskRecord, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE ticket_id = ?`, ticket))
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, fmt.Errorf("%w: task %s", ErrNotFound, ticket)
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("get task %s: %w", ticket, err)
	}
	return t, nil
}
