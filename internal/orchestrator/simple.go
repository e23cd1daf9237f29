package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tessera/internal/registry"
)

// RunSimple executes tasks one at a time in plan order, on the calling
// goroutine, without consulting the resource manager. It is the fallback
// for when parallel orchestration is unavailable or unnecessary. Locks,
// writes, lifecycle events and blocking of dependents behave as in Run.
// Task timeouts reach the worker only through its context.
func (o *Orchestrator) RunSimple(ctx context.Context, tasks []Task) (*BatchReport, error) {
	p, err := o.Plan(tasks)
	if err != nil {
		return nil, err
	}
	b := o.newBatch(ctx, p, ModeSimple)
	o.begin(b)

	var cause error
	for _, id := range p.Order {
		o.promote(b)
		st := b.states[id]
		if st.phase == phaseDone {
			continue
		}
		if cause == nil {
			if cause = ctx.Err(); cause == nil {
				cause = b.err
			}
		}
		if cause != nil {
			o.settle(b, st, registry.TaskStatusCancelled, fmt.Errorf("aborted: %w", cause))
			continue
		}
		if !o.waitLocks(ctx, b, st) {
			continue
		}
		o.settleCompletion(b, o.execute(o.start(b, st, ctx), st.task))
	}
	if cause == nil {
		cause = b.err
	}
	return o.finish(b), cause
}

// waitLocks acquires st's write set, retrying every tick until the lock
// wait elapses. It reports whether st may start; otherwise st is settled.
func (o *Orchestrator) waitLocks(ctx context.Context, b *batch, st *taskState) bool {
	st.phase = phaseLocking
	st.lockSince = o.now()
	for {
		ok, err := o.tryLocks(b, st)
		if err != nil {
			o.release(b, st)
			o.settle(b, st, registry.TaskStatusFailed, err)
			return false
		}
		if ok {
			return true
		}
		if o.now().Sub(st.lockSince) >= o.lockWait {
			o.release(b, st)
			o.settle(b, st, registry.TaskStatusCancelled, fmt.Errorf("lock wait of %s elapsed", o.lockWait))
			return false
		}

		timer := time.NewTimer(o.tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.release(b, st)
			o.settle(b, st, registry.TaskStatusCancelled, fmt.Errorf("aborted: %w", ctx.Err()))
			return false
		case <-timer.C:
		}
	}
}
