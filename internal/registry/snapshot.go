package registry

import (
	"context"
	"fmt"
)

// Snapshot is a deterministic dump of every derived table, used to compare
// two registries. Rows are ordered by their natural keys.
type Snapshot struct {
	Files         []FileRecord       `json:"files"`
	Dependencies  []Dependency       `json:"dependencies"`
	WriteRequests []WriteRequest     `json:"write_requests"`
	Contracts     []ContractDecision `json:"contracts"`
	Tasks         []TaskRecord       `json:"tasks"`
	LastAppliedID uint64             `json:"last_applied_id"`
	AppliedCount  int                `json:"applied_count"`
}

// Snapshot reads every table inside one read transaction.
func (r *Registry) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer tx.Rollback()

	s := &Snapshot{}
	if s.Files, err = queryFiles(ctx, tx, ""); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if s.Dependencies, err = queryDeps(ctx, tx, ""); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if s.Contracts, err = queryContracts(ctx, tx, ""); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if s.Tasks, err = queryTasks(ctx, tx); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT request_id FROM write_requests ORDER BY request_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		w, err := getWriteRequest(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		s.WriteRequests = append(s.WriteRequests, w)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0), COUNT(*) FROM applied_events`,
	).Scan(&s.LastAppliedID, &s.AppliedCount); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return s, nil
}

// LastAppliedID returns the highest event id applied to this registry.
func (r *Registry) LastAppliedID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM applied_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("last applied id: %w", err)
	}
	return id, nil
}

// VacuumInto writes a consistent copy of the database to path, which must
// not exist.
func (r *Registry) VacuumInto(ctx context.Context, path string) error {
	if _, err := r.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return nil
}
