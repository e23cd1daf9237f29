package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/ident"
)

func TestRecordTaskEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.RecordTaskEvents(ctx,
		eventlog.New("T-1", eventlog.TaskCreated, map[string]any{keyKind: "feature"}),
		eventlog.New("T-1", eventlog.AgentStarted, map[string]any{keyAgent: "coder"}),
	)
	require.NoError(t, err)

	f.clock.Advance(3 * time.Second)
	_, err = f.reg.RecordTaskEvents(ctx,
		eventlog.New("T-1", eventlog.AgentBlocked, map[string]any{keyReason: "waiting on T-0"}),
	)
	require.NoError(t, err)

	task, err := f.reg.Task(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, TaskRecord{
		TicketID:  "T-1",
		Kind:      "feature",
		Agent:     "coder",
		Status:    TaskStatusBlocked,
		CreatedAt: baseMillis,
		UpdatedAt: baseMillis + 3000,
		Error:     "waiting on T-0",
	}, task)

	_, err = f.reg.Task(ctx, "T-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordTaskEvents_RejectsOtherTypes(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.RecordTaskEvents(context.Background(),
		eventlog.New("T-1", eventlog.FileLocked, map[string]any{keyPath: "a.go"}))
	assert.Error(t, err)
	_, err = f.reg.RecordTaskEvents(context.Background(),
		eventlog.New("", eventlog.TaskCreated, nil))
	assert.Error(t, err)
	assert.Zero(t, f.lastID(t))
}

func TestRecordContractDecision(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.IDs = ident.NewFixedGenerator("gen-1", "c-1") })
	ctx := context.Background()

	d, err := f.reg.RecordContractDecision(ctx, ContractDecision{TicketID: "T-1", Name: "Store", Decision: "interface"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", d.ContractID)
	assert.Equal(t, int64(baseMillis), d.CreatedAt)

	_, err = f.reg.RecordContractDecision(ctx, ContractDecision{ContractID: "c-1", TicketID: "T-1", Name: "Store", Decision: "struct", Rationale: "simpler"})
	require.NoError(t, err)

	all, err := f.reg.ContractsForTicket(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "struct", all[0].Decision)
	assert.Equal(t, "simpler", all[0].Rationale)

	_, err = f.reg.RecordContractDecision(ctx, ContractDecision{Name: "x"})
	assert.Error(t, err)
}
