package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/registry"
)

// step is one scheduling tick: expire overdue tasks, keep running tasks'
// locks fresh, promote newly eligible tasks, drain admissions, then try
// locks and dispatch.
func (o *Orchestrator) step(b *batch, runCtx context.Context) {
	o.expire(b)
	o.refreshLocks(b)
	o.promote(b)
	o.admit(b)
	o.lockAndDispatch(b, runCtx)
}

// promote walks the plan in topological order. A pending task whose
// dependencies are all terminal is either blocked (some dependency did not
// complete) or submitted for admission. Blocking settles the task, so its
// own dependents, later in the order, are decided in the same pass.
func (o *Orchestrator) promote(b *batch) {
	for _, id := range b.plan.Order {
		st := b.states[id]
		if st.phase != phasePending {
			continue
		}
		var blockers []string
		ready := true
		for _, dep := range st.task.DependsOn {
			ds := b.states[dep]
			if ds.phase != phaseDone {
				ready = false
				break
			}
			if ds.outcome.Status != registry.TaskStatusCompleted {
				blockers = append(blockers, dep)
			}
		}
		if !ready {
			continue
		}
		if len(blockers) > 0 {
			st.outcome.BlockedBy = blockers
			o.settle(b, st, registry.TaskStatusBlocked, fmt.Errorf("dependencies did not complete: %v", blockers))
			continue
		}
		if b.mode == ModeParallel {
			st.phase = phaseQueued
			o.resources.Submit(id)
		}
	}
}

// admit moves every ticket the resource manager grants this tick into the
// locking phase.
func (o *Orchestrator) admit(b *batch) {
	for id := range o.resources.Admitted() {
		st, ok := b.states[id]
		if !ok || st.phase != phaseQueued {
			o.logger.Warn("releasing permit for ticket outside the batch", "batch", b.id, "ticket", id)
			o.resources.Release(id)
			continue
		}
		st.phase = phaseLocking
		st.lockSince = o.now()
	}
}

// lockAndDispatch tries the write set of each admitted task. Contention is
// retried on later ticks; once the lock wait has elapsed the task's
// dispatch is cancelled and its permit returned.
func (o *Orchestrator) lockAndDispatch(b *batch, runCtx context.Context) {
	for _, id := range b.plan.Order {
		st := b.states[id]
		if st.phase != phaseLocking {
			continue
		}
		ok, err := o.tryLocks(b, st)
		if err != nil {
			o.release(b, st)
			o.settle(b, st, registry.TaskStatusFailed, err)
			continue
		}
		if !ok {
			if o.now().Sub(st.lockSince) >= o.lockWait {
				o.release(b, st)
				o.settle(b, st, registry.TaskStatusCancelled, fmt.Errorf("lock wait of %s elapsed", o.lockWait))
			}
			continue
		}
		taskCtx := o.start(b, st, runCtx)
		t := st.task
		b.pool.Go(func() {
			b.done <- o.execute(taskCtx, t)
		})
	}
}

func (o *Orchestrator) tryLocks(b *batch, st *taskState) (bool, error) {
	if len(st.task.Writes) == 0 {
		return true, nil
	}
	ok, err := o.reg.AcquireLocks(b.ctx, st.task.ID, st.task.Writes, o.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire locks: %w", err)
	}
	if ok {
		st.lockedAt = o.now()
	}
	return ok, nil
}

// start marks st running, records AGENT_STARTED and returns the task's
// context, bounded by its timeout.
func (o *Orchestrator) start(b *batch, st *taskState, runCtx context.Context) context.Context {
	timeout := st.task.Timeout
	if timeout <= 0 {
		timeout = o.taskTimeout
	}
	st.phase = phaseRunning
	st.started = o.now()
	st.deadline = st.started.Add(timeout)
	taskCtx, cancel := context.WithTimeout(runCtx, timeout)
	st.cancel = cancel

	o.logger.Info("task dispatched", "batch", b.id, "task", st.task.ID, "kind", st.task.Kind, "writes", len(st.task.Writes))
	o.record(b, eventlog.New(st.task.ID, eventlog.AgentStarted, map[string]any{
		keyKind:    string(st.task.Kind),
		keyAgent:   st.task.agentType(),
		keyBatchID: b.id,
	}))
	return taskCtx
}

// expire fails running tasks past their deadline. The worker is told to
// stop through its context but is not waited for.
func (o *Orchestrator) expire(b *batch) {
	now := o.now()
	for _, id := range b.plan.Order {
		st := b.states[id]
		if st.phase != phaseRunning || now.Before(st.deadline) {
			continue
		}
		b.abandoned++
		o.release(b, st)
		o.settle(b, st, registry.TaskStatusFailed, fmt.Errorf("timed out after %s", st.deadline.Sub(st.started)))
	}
}

// refreshLocks re-acquires the write set of running tasks once half the
// lock TTL has passed, so long tasks keep their locks.
func (o *Orchestrator) refreshLocks(b *batch) {
	now := o.now()
	for _, id := range b.plan.Order {
		st := b.states[id]
		if st.phase != phaseRunning || len(st.task.Writes) == 0 || now.Sub(st.lockedAt) < o.lockTTL/2 {
			continue
		}
		ok, err := o.tryLocks(b, st)
		if err != nil || !ok {
			o.logger.Warn("lock refresh failed", "batch", b.id, "task", id, "error", err)
		}
	}
}

// settleCompletion handles a worker's return. Completions for tasks that
// were already settled (timed out or aborted) are dropped.
func (o *Orchestrator) settleCompletion(b *batch, c completion) {
	st, ok := b.states[c.id]
	if !ok || st.phase != phaseRunning {
		o.logger.Debug("late completion ignored", "batch", b.id, "task", c.id, "error", c.err)
		return
	}
	st.outcome.KnowledgeSource = c.bundle.KnowledgeSource()
	st.outcome.Summary = c.result.Summary

	err := c.err
	if err == nil {
		st.outcome.WriteRequest, err = o.commit(b, st.task, c.result)
	}
	if err == nil {
		err = o.recordOutputs(b, st.task, c.result)
	}
	o.release(b, st)
	if err != nil {
		o.settle(b, st, registry.TaskStatusFailed, err)
		return
	}
	o.settle(b, st, registry.TaskStatusCompleted, nil)
}

// commit runs the worker's writes through propose, validate and commit
// while the task still holds its locks.
func (o *Orchestrator) commit(b *batch, t Task, res Result) (string, error) {
	if len(res.Writes) == 0 {
		return "", nil
	}
	w, err := o.reg.ProposeWrite(b.ctx, t.ID, res.Writes)
	if err != nil {
		return "", err
	}
	id := w.RequestID
	if _, err := o.reg.ValidateWrite(b.ctx, id); err != nil {
		o.rollback(b, id, err)
		return id, err
	}
	if _, err := o.reg.CommitWrite(b.ctx, id, registry.CommitMeta{JobID: b.id, Agent: t.agentType()}); err != nil {
		o.rollback(b, id, err)
		return id, err
	}
	return id, nil
}

// rollback abandons a write request that did not reach a terminal state.
func (o *Orchestrator) rollback(b *batch, id string, cause error) {
	if _, err := o.reg.RollbackWrite(b.ctx, id, cause.Error()); err != nil && !errors.Is(err, registry.ErrTerminal) {
		o.logger.Warn("write rollback failed", "batch", b.id, "request", id, "error", err)
	}
}

func (o *Orchestrator) recordOutputs(b *batch, t Task, res Result) error {
	for _, d := range res.Dependencies {
		if d.TicketID == "" {
			d.TicketID = t.ID
		}
		if err := o.reg.AddDependency(b.ctx, d); err != nil {
			return fmt.Errorf("record dependency: %w", err)
		}
	}
	for _, c := range res.Contracts {
		if c.TicketID == "" {
			c.TicketID = t.ID
		}
		if _, err := o.reg.RecordContractDecision(b.ctx, c); err != nil {
			return fmt.Errorf("record contract: %w", err)
		}
	}
	return nil
}

// release returns everything st holds: its registry locks, its permit and
// its context.
func (o *Orchestrator) release(b *batch, st *taskState) {
	if st.cancel != nil {
		st.cancel()
	}
	if st.phase == phaseLocking || st.phase == phaseRunning {
		if _, err := o.reg.ReleaseAll(b.ctx, st.task.ID); err != nil {
			o.logger.Warn("lock release failed", "batch", b.id, "task", st.task.ID, "error", err)
		}
	}
	o.resources.Release(st.task.ID)
}

// settle records st's terminal status.
func (o *Orchestrator) settle(b *batch, st *taskState, status registry.TaskStatus, cause error) {
	st.phase = phaseDone
	st.outcome.Status = status
	if cause != nil {
		st.outcome.Error = cause.Error()
	}
	if !st.started.IsZero() {
		st.outcome.Duration = o.now().Sub(st.started)
	}

	t := st.task
	payload := map[string]any{
		keyKind:    string(t.Kind),
		keyAgent:   t.agentType(),
		keyBatchID: b.id,
	}
	var typ eventlog.Type
	switch status {
	case registry.TaskStatusCompleted:
		typ = eventlog.AgentCompleted
		payload[keyDurationMS] = st.outcome.Duration.Milliseconds()
		if st.outcome.WriteRequest != "" {
			payload[keyWriteRequest] = st.outcome.WriteRequest
		}
		o.logger.Info("task completed", "batch", b.id, "task", t.ID, "duration", st.outcome.Duration)
	case registry.TaskStatusFailed:
		typ = eventlog.AgentFailed
		payload[keyDurationMS] = st.outcome.Duration.Milliseconds()
		payload[keyError] = st.outcome.Error
		o.logger.Error("task failed", "batch", b.id, "task", t.ID, "kind", t.Kind, "error", st.outcome.Error)
	case registry.TaskStatusBlocked:
		typ = eventlog.AgentBlocked
		payload[keyBlockedBy] = st.outcome.BlockedBy
		payload[keyReason] = st.outcome.Error
		o.logger.Warn("task blocked", "batch", b.id, "task", t.ID, "blocked_by", st.outcome.BlockedBy)
	case registry.TaskStatusCancelled:
		typ = eventlog.TaskCancelled
		payload[keyReason] = st.outcome.Error
		o.logger.Info("task cancelled", "batch", b.id, "task", t.ID, "reason", st.outcome.Error)
	}
	o.record(b, eventlog.New(t.ID, typ, payload))
}

// cancelTask serves Cancel from inside the loop.
func (o *Orchestrator) cancelTask(b *batch, id string) error {
	st, ok := b.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	switch st.phase {
	case phaseRunning, phaseDone:
		return fmt.Errorf("%w: %s", ErrNotCancellable, id)
	case phaseQueued:
		o.resources.Withdraw(id)
	case phaseLocking:
		o.release(b, st)
	}
	o.settle(b, st, registry.TaskStatusCancelled, errors.New("cancelled before dispatch"))
	return nil
}

// abort settles every unfinished task after ctx ended or recording failed.
func (o *Orchestrator) abort(b *batch, cause error) {
	o.logger.Warn("batch aborted", "batch", b.id, "error", cause)
	for _, id := range b.plan.Order {
		st := b.states[id]
		switch st.phase {
		case phaseDone:
			continue
		case phaseQueued:
			o.resources.Withdraw(id)
		case phaseLocking:
			o.release(b, st)
		case phaseRunning:
			b.abandoned++
			o.release(b, st)
			o.settle(b, st, registry.TaskStatusFailed, fmt.Errorf("aborted: %w", cause))
			continue
		}
		o.settle(b, st, registry.TaskStatusCancelled, fmt.Errorf("aborted: %w", cause))
	}
}
