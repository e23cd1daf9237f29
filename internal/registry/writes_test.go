package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessera/internal/eventlog"
)

func TestWriteLifecycle_Commit(t *testing.T) {
	f := newFixture(t, withComponents(map[string][]string{"api": {"src/api/**"}}))
	ctx := context.Background()

	_, err := f.reg.AcquireLock(ctx, "src/api/handler.go", "T-1", ttl)
	require.NoError(t, err)
	hash := f.writeFile(t, "src/api/handler.go", "package api\n")

	w, err := f.reg.ProposeWrite(ctx, "T-1", []WriteIntent{{Path: "src/api/handler.go", ContentHash: hash}})
	require.NoError(t, err)
	assert.Equal(t, WriteStatusProposed, w.Status)
	assert.Equal(t, 1, w.Phase)

	w, err = f.reg.ValidateWrite(ctx, w.RequestID)
	require.NoError(t, err)
	assert.Equal(t, WriteStatusValidated, w.Status)

	w, err = f.reg.CommitWrite(ctx, w.RequestID, CommitMeta{JobID: "job-7", Agent: "coder"})
	require.NoError(t, err)
	assert.Equal(t, WriteStatusCommitted, w.Status)
	assert.Equal(t, 3, w.Phase)

	rec, err := f.reg.GetFile(ctx, "src/api/handler.go")
	require.NoError(t, err)
	assert.Equal(t, hash, rec.ContentHash)
	assert.Equal(t, "T-1", rec.TicketID)
	assert.Equal(t, "job-7", rec.JobID)
	assert.Equal(t, "coder", rec.OwningAgent)
	assert.Equal(t, "api", rec.Component)
	assert.Equal(t, Locked, rec.LockStatus, "commit does not release locks")

	var types []eventlog.Type
	for _, ev := range f.events(t) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []eventlog.Type{
		eventlog.FileLocked, eventlog.WriteProposed, eventlog.WriteValidated, eventlog.WriteCommitted,
	}, types)

	_, err = f.reg.RollbackWrite(ctx, w.RequestID, "too late")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestValidateWrite_HashMismatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.AcquireLock(ctx, "a.go", "T-1", ttl)
	require.NoError(t, err)
	f.writeFile(t, "a.go", "actual")

	w, err := f.reg.ProposeWrite(ctx, "T-1", []WriteIntent{{Path: "a.go", ContentHash: HashContent([]byte("intended"))}})
	require.NoError(t, err)

	w, err = f.reg.ValidateWrite(ctx, w.RequestID)
	assert.ErrorIs(t, err, ErrWriteInvalid)
	assert.Equal(t, WriteStatusFailed, w.Status)
	assert.Contains(t, w.Error, "does not match intent")

	_, err = f.reg.CommitWrite(ctx, w.RequestID, CommitMeta{})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestValidateWrite_RequiresLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.writeFile(t, "a.go", "x")

	w, err := f.reg.ProposeWrite(ctx, "T-1", []WriteIntent{{Path: "a.go", ContentHash: hash}})
	require.NoError(t, err)

	w, err = f.reg.ValidateWrite(ctx, w.RequestID)
	assert.ErrorIs(t, err, ErrWriteInvalid)
	assert.Equal(t, WriteStatusFailed, w.Status)
	assert.Contains(t, w.Error, "not locked by T-1")
}

func TestCommitWrite_BeforeValidateIsPhaseError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, err := f.reg.ProposeWrite(ctx, "T-1", []WriteIntent{{Path: "a.go", ContentHash: "abc"}})
	require.NoError(t, err)

	_, err = f.reg.CommitWrite(ctx, w.RequestID, CommitMeta{})
	assert.ErrorIs(t, err, ErrPhase)

	got, err := f.reg.GetWriteRequest(ctx, w.RequestID)
	require.NoError(t, err)
	assert.Equal(t, WriteStatusProposed, got.Status)
}

func TestCommitWrite_LockLostBeforeCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.AcquireLock(ctx, "a.go", "T-1", time.Minute)
	require.NoError(t, err)
	hash := f.writeFile(t, "a.go", "x")
	w, err := f.reg.ProposeWrite(ctx, "T-1", []WriteIntent{{Path: "a.go", ContentHash: hash}})
	require.NoError(t, err)
	_, err = f.reg.ValidateWrite(ctx, w.RequestID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	ok, err := f.reg.AcquireLock(ctx, "a.go", "T-2", ttl)
	require.NoError(t, err)
	require.True(t, ok)

	w, err = f.reg.CommitWrite(ctx, w.RequestID, CommitMeta{})
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Equal(t, WriteStatusFailed, w.Status)

	rec, err := f.reg.GetFile(ctx, "a.go")
	require.NoError(t, err)
	assert.Empty(t, rec.ContentHash, "a failed commit registers nothing")
}

func TestRollbackWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, err := f.reg.ProposeWrite(ctx, "T-1", []WriteIntent{{Path: "a.go", ContentHash: "abc"}})
	require.NoError(t, err)

	w, err = f.reg.RollbackWrite(ctx, w.RequestID, "agent gave up")
	require.NoError(t, err)
	assert.Equal(t, WriteStatusRolledBack, w.Status)
	assert.Equal(t, "agent gave up", w.Error)

	_, err = f.reg.ValidateWrite(ctx, w.RequestID)
	assert.ErrorIs(t, err, ErrTerminal)

	reqs, err := f.reg.WriteRequestsForTicket(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, w.RequestID, reqs[0].RequestID)
}

func TestProposeWrite_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.ProposeWrite(ctx, "", []WriteIntent{{Path: "a.go", ContentHash: "abc"}})
	assert.Error(t, err)
	_, err = f.reg.ProposeWrite(ctx, "T-1", nil)
	assert.Error(t, err)
	_, err = f.reg.ProposeWrite(ctx, "T-1", []WriteIntent{{Path: "a.go"}})
	assert.Error(t, err)
	_, err = f.reg.ProposeWrite(ctx, "T-1", []WriteIntent{{Path: "../a.go", ContentHash: "abc"}})
	assert.True(t, IsPathError(err))

	_, err = f.reg.ValidateWrite(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.lastID(t))
}

func TestRegisterFileAndMarkDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.writeFile(t, "docs/readme.md", "# hi\n")

	require.NoError(t, f.reg.RegisterFile(ctx, FileRecord{Path: "docs/readme.md", TicketID: "T-1"}))
	rec, err := f.reg.GetFile(ctx, "docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, hash, rec.ContentHash)

	byHash, err := f.reg.FilesByHash(ctx, hash)
	require.NoError(t, err)
	require.Len(t, byHash, 1)

	_, err = f.reg.AcquireLock(ctx, "docs/readme.md", "T-2", ttl)
	require.NoError(t, err)
	err = f.reg.MarkDeleted(ctx, "docs/readme.md", "T-1")
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, f.reg.MarkDeleted(ctx, "docs/readme.md", "T-2"))
	files, err := f.reg.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	rec, err = f.reg.GetFile(ctx, "docs/readme.md")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	err = f.reg.MarkDeleted(ctx, "never.md", "T-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
