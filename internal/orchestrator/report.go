package orchestrator

import (
	"time"

	"github.com/roach88/tessera/internal/contextasm"
	"github.com/roach88/tessera/internal/registry"
)

// Mode names the execution path that produced a report.
type Mode string

const (
	ModeParallel Mode = "parallel"
	ModeSimple   Mode = "simple"
)

// TaskOutcome is the terminal state of one task.
type TaskOutcome struct {
	ID     string              `json:"id"`
	Kind   Kind                `json:"kind"`
	Status registry.TaskStatus `json:"status"`
	Error  string              `json:"error,omitempty"`
	// BlockedBy lists the dependencies that did not complete.
	BlockedBy       []string                   `json:"blocked_by,omitempty"`
	Summary         string                     `json:"summary,omitempty"`
	WriteRequest    string                     `json:"write_request,omitempty"`
	KnowledgeSource contextasm.KnowledgeSource `json:"knowledge_source,omitempty"`
	Duration        time.Duration              `json:"duration"`
}

// BatchReport summarizes one Run or RunSimple.
type BatchReport struct {
	BatchID   string        `json:"batch_id"`
	Mode      Mode          `json:"mode"`
	Tasks     []TaskOutcome `json:"tasks"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Blocked   int           `json:"blocked"`
	Cancelled int           `json:"cancelled"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// OK reports whether every task completed.
func (r *BatchReport) OK() bool {
	return r.Completed == len(r.Tasks)
}

// Outcome returns the outcome for id.
func (r *BatchReport) Outcome(id string) (TaskOutcome, bool) {
	for _, o := range r.Tasks {
		if o.ID == id {
			return o, true
		}
	}
	return TaskOutcome{}, false
}
