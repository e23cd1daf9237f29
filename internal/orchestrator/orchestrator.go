// Package orchestrator runs a batch of dependent tasks against the shared
// file tree.
//
// A batch is validated into a Plan (ids, kinds, paths, acyclic
// dependencies) before anything runs. Run then drives it from one
// scheduling goroutine that owns every admission, lock and dispatch
// decision:
//
//	eligible -> Submit to resource manager -> Admitted (per tick)
//	  -> AcquireLocks(write set), retried per tick until the lock wait ends
//	  -> AGENT_STARTED, dispatch to a pooled worker goroutine
//	  -> completion: commit writes, record outputs, release locks and permit
//	  -> AGENT_COMPLETED or AGENT_FAILED, re-evaluate dependents
//
// A task becomes eligible when all of its dependencies are terminal. If any
// of them did not complete, it is marked blocked (AGENT_BLOCKED) instead of
// being run. Worker failures and panics fail only that task.
//
// All lock state lives in the registry; the orchestrator keeps no lock
// table of its own.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/roach88/tessera/internal/config"
	"github.com/roach88/tessera/internal/contextasm"
	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/ident"
	"github.com/roach88/tessera/internal/registry"
	"github.com/roach88/tessera/internal/resource"
)

const (
	DefaultTick        = 100 * time.Millisecond
	DefaultTaskTimeout = 30 * time.Minute
	DefaultLockTTL     = 5 * time.Minute
	DefaultLockWait    = 30 * time.Second
)

// Payload keys of the task lifecycle events.
const (
	keyKind         = "kind"
	keyAgent        = "agent"
	keyBatchID      = "batch_id"
	keyDurationMS   = "duration_ms"
	keyError        = "error"
	keyReason       = "reason"
	keyBlockedBy    = "blocked_by"
	keyWriteRequest = "write_request"
	keyMode         = "mode"
)

// Options configure an Orchestrator.
type Options struct {
	Workers Workers
	// Resources gates task starts. Nil uses a manager with a ceiling of
	// four concurrent tasks and no utilization sampling.
	Resources *resource.Manager
	// Assembler builds worker bundles. Nil uses a registry-only assembler.
	Assembler *contextasm.Assembler
	Logger    *slog.Logger
	Now       func() time.Time
	IDs       ident.Generator

	Tick        time.Duration
	TaskTimeout time.Duration
	LockTTL     time.Duration
	LockWait    time.Duration
}

// OptionsFromConfig fills the timing fields from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Tick:        cfg.Orchestrator.Tick,
		TaskTimeout: cfg.Orchestrator.TaskTimeout,
		LockTTL:     cfg.Locks.Timeout,
		LockWait:    cfg.Locks.Wait,
	}
}

// Orchestrator schedules batches. One batch runs at a time.
type Orchestrator struct {
	reg       *registry.Registry
	workers   Workers
	resources *resource.Manager
	assembler *contextasm.Assembler
	logger    *slog.Logger
	now       func() time.Time
	ids       ident.Generator

	tick        time.Duration
	taskTimeout time.Duration
	lockTTL     time.Duration
	lockWait    time.Duration

	mu     sync.Mutex
	active *batch
}

// New creates an orchestrator over reg.
func New(reg *registry.Registry, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDs == nil {
		opts.IDs = ident.UUIDv7Generator{}
	}
	if opts.Resources == nil {
		opts.Resources = resource.NewManager(resource.Limits{MaxConcurrentTasks: 4}, resource.Options{Logger: opts.Logger})
	}
	if opts.Assembler == nil {
		opts.Assembler = contextasm.NewAssembler(reg, contextasm.Options{Logger: opts.Logger, Now: opts.Now})
	}
	return &Orchestrator{
		reg:         reg,
		workers:     opts.Workers,
		resources:   opts.Resources,
		assembler:   opts.Assembler,
		logger:      opts.Logger,
		now:         opts.Now,
		ids:         opts.IDs,
		tick:        positive(opts.Tick, DefaultTick),
		taskTimeout: positive(opts.TaskTimeout, DefaultTaskTimeout),
		lockTTL:     positive(opts.LockTTL, DefaultLockTTL),
		lockWait:    positive(opts.LockWait, DefaultLockWait),
	}
}

func positive(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Plan validates tasks against the registry root and the registered
// workers.
func (o *Orchestrator) Plan(tasks []Task) (*Plan, error) {
	p, err := BuildPlan(tasks, o.reg)
	if err != nil {
		return nil, err
	}
	for _, id := range p.Order {
		t, _ := p.Task(id)
		if o.workers[t.Kind] == nil {
			return nil, &ValidationError{Code: ErrCodeUnknownKind, TaskID: id, Message: fmt.Sprintf("no worker registered for kind %q", t.Kind)}
		}
	}
	return p, nil
}

type phase int

const (
	phasePending phase = iota
	phaseQueued
	phaseLocking
	phaseRunning
	phaseDone
)

type taskState struct {
	task      Task
	phase     phase
	lockSince time.Time
	lockedAt  time.Time
	started   time.Time
	deadline  time.Time
	cancel    context.CancelFunc
	outcome   TaskOutcome
}

type completion struct {
	id     string
	bundle contextasm.Bundle
	result Result
	err    error
}

type cancelRequest struct {
	id    string
	reply chan error
}

// batch is the scheduling loop's private state. Only the loop goroutine
// touches it, except through the done and cancels channels.
type batch struct {
	id      string
	mode    Mode
	plan    *Plan
	states  map[string]*taskState
	started time.Time
	// ctx carries values but never cancellation, so that bookkeeping after
	// a cancelled Run still reaches the registry.
	ctx context.Context

	pool      *pool.Pool
	done      chan completion
	cancels   chan cancelRequest
	finished  chan struct{}
	abandoned int
	err       error
}

func (o *Orchestrator) newBatch(ctx context.Context, p *Plan, mode Mode) *batch {
	b := &batch{
		id:       o.ids.Generate(),
		mode:     mode,
		plan:     p,
		states:   make(map[string]*taskState, p.Len()),
		started:  o.now(),
		ctx:      context.WithoutCancel(ctx),
		pool:     pool.New(),
		done:     make(chan completion, p.Len()),
		cancels:  make(chan cancelRequest),
		finished: make(chan struct{}),
	}
	for _, id := range p.Order {
		t, _ := p.Task(id)
		b.states[id] = &taskState{task: t, outcome: TaskOutcome{ID: id, Kind: t.Kind}}
	}
	return b
}

func (b *batch) complete() bool {
	for _, st := range b.states {
		if st.phase != phaseDone {
			return false
		}
	}
	return true
}

// Run executes tasks in parallel and returns once every task is terminal.
// A ValidationError rejects the batch before any event is written. When ctx
// ends, undispatched tasks are cancelled, running ones are failed, and the
// report is returned together with ctx's error.
func (o *Orchestrator) Run(ctx context.Context, tasks []Task) (*BatchReport, error) {
	p, err := o.Plan(tasks)
	if err != nil {
		return nil, err
	}
	b := o.newBatch(ctx, p, ModeParallel)

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.active = b
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
		close(b.finished)
	}()

	o.begin(b)
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	var cause error
	for !b.complete() {
		if cause = ctx.Err(); cause == nil {
			cause = b.err
		}
		if cause != nil {
			o.abort(b, cause)
			break
		}
		o.step(b, ctx)
		if b.complete() {
			break
		}

		select {
		case c := <-b.done:
			o.settleCompletion(b, c)
		case req := <-b.cancels:
			req.reply <- o.cancelTask(b, req.id)
		case <-ticker.C:
		case <-ctx.Done():
		}
	}

	if cause == nil {
		cause = b.err
	}
	if b.abandoned == 0 {
		b.pool.Wait()
	} else {
		o.logger.Warn("workers still running after batch end", "batch", b.id, "abandoned", b.abandoned)
		go b.pool.Wait()
	}
	return o.finish(b), cause
}

// Cancel removes a task of the running batch before it is dispatched. Its
// dependents become blocked. Dispatched or finished tasks return
// ErrNotCancellable.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	b := o.active
	o.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: %s (no batch running)", ErrUnknownTask, id)
	}

	req := cancelRequest{id: id, reply: make(chan error, 1)}
	select {
	case b.cancels <- req:
	case <-b.finished:
		return fmt.Errorf("%w: %s (batch finished)", ErrUnknownTask, id)
	}
	return <-req.reply
}

// begin records TASK_CREATED for every task in plan order.
func (o *Orchestrator) begin(b *batch) {
	o.logger.Info("batch started", "batch", b.id, "mode", b.mode, "tasks", b.plan.Len(), "levels", len(b.plan.Levels))
	events := make([]eventlog.Event, 0, b.plan.Len())
	for _, id := range b.plan.Order {
		t := b.states[id].task
		events = append(events, eventlog.New(id, eventlog.TaskCreated, map[string]any{
			keyKind:    string(t.Kind),
			keyAgent:   t.agentType(),
			keyBatchID: b.id,
			keyMode:    string(b.mode),
		}))
	}
	o.record(b, events...)
}

func (o *Orchestrator) finish(b *batch) *BatchReport {
	r := &BatchReport{
		BatchID:   b.id,
		Mode:      b.mode,
		Tasks:     make([]TaskOutcome, 0, b.plan.Len()),
		StartedAt: b.started,
		Duration:  o.now().Sub(b.started),
	}
	for _, id := range b.plan.Order {
		out := b.states[id].outcome
		switch out.Status {
		case registry.TaskStatusCompleted:
			r.Completed++
		case registry.TaskStatusFailed:
			r.Failed++
		case registry.TaskStatusBlocked:
			r.Blocked++
		case registry.TaskStatusCancelled:
			r.Cancelled++
		}
		r.Tasks = append(r.Tasks, out)
	}
	o.logger.Info("batch finished",
		"batch", b.id,
		"completed", r.Completed,
		"failed", r.Failed,
		"blocked", r.Blocked,
		"cancelled", r.Cancelled,
		"duration", r.Duration,
	)
	return r
}

// record appends task lifecycle events. The first failure is kept on the
// batch and stops further scheduling.
func (o *Orchestrator) record(b *batch, events ...eventlog.Event) {
	if _, err := o.reg.RecordTaskEvents(b.ctx, events...); err != nil {
		o.logger.Error("record task events failed", "batch", b.id, "error", err)
		if b.err == nil {
			b.err = fmt.Errorf("record task events: %w", err)
		}
	}
}

// execute assembles the bundle and runs the worker, converting a panic
// into an error.
func (o *Orchestrator) execute(ctx context.Context, t Task) completion {
	c := completion{id: t.ID}
	var pc panics.Catcher
	pc.Try(func() {
		c.bundle, c.err = o.assembler.Assemble(ctx, t.ID, t.agentType(), t.paths()...)
		if c.err != nil {
			return
		}
		c.result, c.err = o.workers[t.Kind].Execute(ctx, c.bundle, t)
	})
	if r := pc.Recovered(); r != nil {
		c.err = fmt.Errorf("worker panicked: %w", r.AsError())
	}
	return c
}
