package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tessera/internal/eventlog"
)

// RecordContractDecision records (or revises) an interface decision. An
// empty ContractID is assigned.
func (r *Registry) RecordContractDecision(ctx context.Context, d ContractDecision) (ContractDecision, error) {
	if d.Name == "" || d.Decision == "" {
		return ContractDecision{}, errors.New("record contract: name and decision are required")
	}
	if d.ContractID == "" {
		d.ContractID = r.ids.Generate()
	}
	appended, err := r.mutate(ctx, func(*sql.Tx, int64) ([]eventlog.Event, error) {
		return []eventlog.Event{eventlog.New(d.TicketID, eventlog.ContractDecision, map[string]any{
			keyContractID: d.ContractID,
			keyName:       d.Name,
			keyDecision:   d.Decision,
			keyRationale:  d.Rationale,
		})}, nil
	})
	if err != nil {
		return ContractDecision{}, fmt.Errorf("record contract: %w", err)
	}
	d.CreatedAt = appended[0].Timestamp
	return d, nil
}

func queryContracts(ctx context.Context, q querier, where string, args ...any) ([]ContractDecision, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT contract_id, ticket_id, name, decision, rationale, created_at
		FROM contracts `+where+` ORDER BY created_at ASC, contract_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	defer rows.Close()
	var out []ContractDecision
	for rows.Next() {
		var c ContractDecision
		if err := rows.Scan(&c.ContractID, &c.TicketID, &c.Name, &c.Decision, &c.Rationale, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Contracts lists every recorded contract decision.
func (r *Registry) Contracts(ctx context.Context) ([]ContractDecision, error) {
	return queryContracts(ctx, r.db, "")
}

// ContractsForTicket lists the decisions recorded by ticket.
func (r *Registry) ContractsForTicket(ctx context.Context, ticket string) ([]ContractDecision, error) {
	return queryContracts(ctx, r.db, `WHERE ticket_id = ?`, ticket)
}
