package orchestrator

import (
	"fmt"
	"slices"

	"github.com/roach88/tessera/internal/registry"
)

// PathValidator checks declared read and write paths.
type PathValidator interface {
	ValidatePath(path string) (bool, registry.Reason)
}

// Plan is a validated batch: tasks in topological order, grouped into
// levels whose members have no dependencies on each other.
type Plan struct {
	// Order lists task ids level by level; within a level, input order.
	Order []string
	// Levels[0] holds the tasks with no dependencies.
	Levels [][]string

	tasks      map[string]Task
	dependents map[string][]string
}

// Task returns the task with id.
func (p *Plan) Task(id string) (Task, bool) {
	t, ok := p.tasks[id]
	return t, ok
}

// Dependents returns the ids that directly depend on id, in input order.
func (p *Plan) Dependents(id string) []string {
	return p.dependents[id]
}

// Len returns the number of tasks.
func (p *Plan) Len() int { return len(p.Order) }

// BuildPlan validates tasks and computes their execution levels. paths may
// be nil to skip path validation. A cycle is reported with its full path.
func BuildPlan(tasks []Task, paths PathValidator) (*Plan, error) {
	p := &Plan{
		tasks:      make(map[string]Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, &ValidationError{Code: ErrCodeDuplicateTask, Message: "task with empty id"}
		}
		if _, dup := p.tasks[t.ID]; dup {
			return nil, &ValidationError{Code: ErrCodeDuplicateTask, TaskID: t.ID, Message: "task id declared twice"}
		}
		if !t.Kind.Valid() {
			return nil, &ValidationError{Code: ErrCodeUnknownKind, TaskID: t.ID, Message: fmt.Sprintf("unknown kind %q", t.Kind)}
		}
		if paths != nil {
			for _, path := range t.paths() {
				if ok, reason := paths.ValidatePath(path); !ok {
					return nil, &ValidationError{Code: ErrCodeInvalidPath, TaskID: t.ID, Message: fmt.Sprintf("%q: %s", path, reason)}
				}
			}
		}
		t.DependsOn = dedupe(t.DependsOn)
		p.tasks[t.ID] = t
		order = append(order, t.ID)
	}

	for _, id := range order {
		for _, dep := range p.tasks[id].DependsOn {
			if _, ok := p.tasks[dep]; !ok {
				return nil, &ValidationError{Code: ErrCodeUnknownDependency, TaskID: id, Message: fmt.Sprintf("depends on unknown task %q", dep)}
			}
			p.dependents[dep] = append(p.dependents[dep], id)
		}
	}

	if cycle := findCycle(order, p.tasks); cycle != nil {
		return nil, &ValidationError{Code: ErrCodeCycleDetected, TaskID: cycle[0], Cycle: cycle}
	}

	p.Levels = levels(order, p.tasks, p.dependents)
	for _, level := range p.Levels {
		p.Order = append(p.Order, level...)
	}
	return p, nil
}

func dedupe(ids []string) []string {
	var out []string
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// findCycle runs a depth-first search in input order and returns the first
// cycle found, or nil.
func findCycle(order []string, tasks map[string]Task) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range tasks[id].DependsOn {
			switch state[dep] {
			case onStack:
				start := slices.Index(stack, dep)
				return append(slices.Clone(stack[start:]), dep)
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range order {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// levels is Kahn's algorithm collecting one level per round. Within a
// level ids keep their input order.
func levels(order []string, tasks map[string]Task, dependents map[string][]string) [][]string {
	inDegree := make(map[string]int, len(order))
	position := make(map[string]int, len(order))
	for i, id := range order {
		inDegree[id] = len(tasks[id].DependsOn)
		position[id] = i
	}

	var current []string
	for _, id := range order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var out [][]string
	for len(current) > 0 {
		out = append(out, current)
		var next []string
		for _, id := range current {
			for _, d := range dependents[id] {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		slices.SortFunc(next, func(a, b string) int { return position[a] - position[b] })
		current = next
	}
	return out
}
