package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tessera/internal/eventlog"
)

// AddDependency records that d.Source depends on d.Target. Both endpoints
// must be valid paths; they need not be registered yet. Adding an edge
// that already exists is a no-op.
func (r *Registry) AddDependency(ctx context.Context, d Dependency) error {
	if !d.Type.Valid() {
		return fmt.Errorf("add dependency: %w: type %q", ErrInvalidDependency, d.Type)
	}
	src, err := r.CanonicalPath(d.Source)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	dst, err := r.CanonicalPath(d.Target)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	if src == dst {
		return fmt.Errorf("add dependency: %w: %s depends on itself", ErrInvalidDependency, src)
	}

	_, err = r.mutate(ctx, func(tx *sql.Tx, _ int64) ([]eventlog.Event, error) {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM file_relationships WHERE source = ? AND target = ? AND type = ?`,
			src, dst, string(d.Type),
		).Scan(&one)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return []eventlog.Event{eventlog.New(d.TicketID, eventlog.DependencyAdded, map[string]any{
			keySource: src,
			keyTarget: dst,
			keyType:   string(d.Type),
		})}, nil
	})
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	return nil
}

func queryDeps(ctx context.Context, q querier, where string, args ...any) ([]Dependency, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source, target, type, ticket_id FROM file_relationships `+where+`
		ORDER BY source ASC, target ASC, type ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()
	var out []Dependency
	for rows.Next() {
		var d Dependency
		var typ string
		if err := rows.Scan(&d.Source, &d.Target, &typ, &d.TicketID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		d.Type = DependencyType(typ)
		out = append(out, d)
	}
	return out, rows.Err()
}

// QueryDependents returns the edges whose target is path: every file that
// depends on path.
func (r *Registry) QueryDependents(ctx context.Context, path string) ([]Dependency, error) {
	rel, err := r.CanonicalPath(path)
	if err != nil {
		return nil, err
	}
	return queryDeps(ctx, r.db, `WHERE target = ?`, rel)
}

// Dependencies returns the edges whose source is path: what path depends on.
func (r *Registry) Dependencies(ctx context.Context, path string) ([]Dependency, error) {
	rel, err := r.CanonicalPath(path)
	if err != nil {
		return nil, err
	}
	return queryDeps(ctx, r.db, `WHERE source = ?`, rel)
}

// DependenciesForTicket returns the edges recorded by ticket.
func (r *Registry) DependenciesForTicket(ctx context.Context, ticket string) ([]Dependency, error) {
	return queryDeps(ctx, r.db, `WHERE ticket_id = ?`, ticket)
}
