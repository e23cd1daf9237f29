package orchestrator

import (
	"context"
	"slices"
	"time"

	"github.com/roach88/tessera/internal/contextasm"
	"github.com/roach88/tessera/internal/registry"
)

// Kind selects the worker a task is dispatched to.
type Kind string

const (
	KindImplement Kind = "implement"
	KindTest      Kind = "test"
	KindReview    Kind = "review"
	KindDocument  Kind = "document"
)

// Kinds lists every task kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindImplement, KindTest, KindReview, KindDocument}
}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

// Task is one unit of work in a batch. ID doubles as the ticket id under
// which locks, writes and lifecycle events are recorded.
type Task struct {
	ID        string         `json:"id" yaml:"id"`
	Kind      Kind           `json:"kind" yaml:"kind"`
	Agent     string         `json:"agent,omitempty" yaml:"agent"`
	Reads     []string       `json:"reads,omitempty" yaml:"reads"`
	Writes    []string       `json:"writes,omitempty" yaml:"writes"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Timeout   time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
	Command   string         `json:"command,omitempty" yaml:"command"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload"`
}

// agentType is the agent name handed to the context assembler.
func (t Task) agentType() string {
	if t.Agent != "" {
		return t.Agent
	}
	return string(t.Kind)
}

// paths returns the read and write sets, in that order.
func (t Task) paths() []string {
	out := make([]string, 0, len(t.Reads)+len(t.Writes))
	out = append(out, t.Reads...)
	return append(out, t.Writes...)
}

// Result is what a worker reports back. Writes are committed through the
// registry's propose/validate/commit lifecycle; every path must be in the
// task's declared write set. Dependencies and Contracts are recorded as
// reported.
type Result struct {
	Summary      string                      `json:"summary,omitempty"`
	Writes       []registry.WriteIntent      `json:"writes,omitempty"`
	Dependencies []registry.Dependency       `json:"dependencies,omitempty"`
	Contracts    []registry.ContractDecision `json:"contracts,omitempty"`
}

// Worker executes one task against its assembled context bundle.
type Worker interface {
	Execute(ctx context.Context, bundle contextasm.Bundle, task Task) (Result, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, bundle contextasm.Bundle, task Task) (Result, error)

// Execute calls f.
func (f WorkerFunc) Execute(ctx context.Context, bundle contextasm.Bundle, task Task) (Result, error) {
	return f(ctx, bundle, task)
}

// Workers maps each kind to the worker that handles it.
type Workers map[Kind]Worker

// All returns a Workers map that sends every kind to w.
func All(w Worker) Workers {
	out := make(Workers, len(Kinds()))
	for _, k := range Kinds() {
		out[k] = w
	}
	return out
}
