package rebuild

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/logging"
)

func TestFollower_CatchUpAppliesForeignEvents(t *testing.T) {
	f := newFixture(t)
	f.populate(t)
	ctx := context.Background()
	fl := NewFollower(f.reg, f.log, FollowerOptions{Logger: logging.Nop()})

	res, err := fl.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.EventsProcessed, "live registry is already current")

	_, err = f.log.AppendBatch(ctx, []eventlog.Event{
		eventlog.New("T-7", eventlog.TaskCreated, map[string]any{"kind": "review"}),
		eventlog.New("T-7", eventlog.AgentStarted, map[string]any{"agent": "reviewer"}),
		eventlog.New("T-8", eventlog.FileUnlocked, map[string]any{}),
	})
	require.NoError(t, err)

	res, err = fl.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Invalid)

	task, err := f.reg.Task(ctx, "T-7")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", task.Agent)

	res, err = fl.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.EventsProcessed, "invalid tail is not re-read")
}

func TestFollower_ResyncFillsGaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gap, err := f.log.Append(ctx, eventlog.New("T-1", eventlog.TaskCreated, map[string]any{"kind": "implement"}))
	require.NoError(t, err)
	_, err = f.reg.RecordTaskEvents(ctx, eventlog.New("T-2", eventlog.TaskCreated, map[string]any{"kind": "test"}))
	require.NoError(t, err)

	fl := NewFollower(f.reg, f.log, FollowerOptions{Logger: logging.Nop()})
	res, err := fl.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Applied, "catch-up starts after the highest applied id")

	res, err = fl.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Duplicates)

	_, err = f.reg.Task(ctx, gap.TicketID)
	require.NoError(t, err)
}

func TestFollower_ReportsCorruptTailOnce(t *testing.T) {
	f := newFixture(t)
	f.populate(t)
	ctx := context.Background()
	f.appendRaw(t, "{not json")
	fl := NewFollower(f.reg, f.log, FollowerOptions{Logger: logging.Nop()})

	res, err := fl.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Corrupt)
	assert.Equal(t, 1, res.EventsProcessed)

	for range 2 {
		res, err = fl.CatchUp(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Corrupt)
		assert.Zero(t, res.EventsProcessed)
	}

	res, err = fl.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Corrupt, "a full resync reports it again")
	assert.Zero(t, res.Applied)

	res, err = fl.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Corrupt)
}

func TestFollower_FollowAppliesNewEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	synced := make(chan SyncResult, 8)
	fl := NewFollower(f.reg, f.log, FollowerOptions{
		Logger:       logging.Nop(),
		Debounce:     5 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- fl.Follow(ctx, func(r SyncResult) { synced <- r }) }()

	_, err := f.log.Append(context.Background(), eventlog.New("T-5", eventlog.TaskCreated, map[string]any{"kind": "document"}))
	require.NoError(t, err)

	select {
	case res := <-synced:
		assert.Equal(t, 1, res.Applied)
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not apply the appended event")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not stop")
	}

	task, err := f.reg.Task(context.Background(), "T-5")
	require.NoError(t, err)
	assert.Equal(t, "document", task.Kind)
}
