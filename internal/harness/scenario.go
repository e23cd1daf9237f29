package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/registry"
)

// Scenario is a scripted sequence of registry operations.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// StartMillis sets the manual clock. Defaults to DefaultStartMillis.
	StartMillis int64 `yaml:"start_ms,omitempty"`

	// Components configures path classification.
	Components map[string][]string `yaml:"components,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultStartMillis is the clock start when a scenario sets none.
const DefaultStartMillis int64 = 1_700_000_000_000

// Step operations.
const (
	OpWrite      = "write"       // path, content: write a file into the tree
	OpAcquire    = "acquire"     // ticket, paths, ttl
	OpRelease    = "release"     // ticket, path
	OpReleaseAll = "release_all" // ticket
	OpPropose    = "propose"     // ticket, paths, as: intents hashed from disk
	OpValidate   = "validate"    // request
	OpCommit     = "commit"      // request, job, agent
	OpRollback   = "rollback"    // request, reason
	OpDelete     = "delete"      // ticket, path
	OpDepend     = "depend"      // ticket, source, target, dep_type
	OpContract   = "contract"    // ticket, name, decision, reason
	OpTask       = "task"        // ticket, event, payload
	OpAdvance    = "advance"     // duration
)

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op       string         `yaml:"op"`
	Ticket   string         `yaml:"ticket,omitempty"`
	Path     string         `yaml:"path,omitempty"`
	Paths    []string       `yaml:"paths,omitempty"`
	Content  string         `yaml:"content,omitempty"`
	TTL      time.Duration  `yaml:"ttl,omitempty"`
	As       string         `yaml:"as,omitempty"`
	Request  string         `yaml:"request,omitempty"`
	Job      string         `yaml:"job,omitempty"`
	Agent    string         `yaml:"agent,omitempty"`
	Reason   string         `yaml:"reason,omitempty"`
	Source   string         `yaml:"source,omitempty"`
	Target   string         `yaml:"target,omitempty"`
	DepType  string         `yaml:"dep_type,omitempty"`
	Name     string         `yaml:"name,omitempty"`
	Decision string         `yaml:"decision,omitempty"`
	Event    string         `yaml:"event,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`
	Duration time.Duration  `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected outcome of a step. Without it a step must succeed
// (and an acquire must be granted).
type Expect struct {
	// Granted is checked for acquire steps.
	Granted *bool `yaml:"granted,omitempty"`
	// Error is a substring the step's error must contain.
	Error string `yaml:"error,omitempty"`
}

// Assertion types.
const (
	AssertEventOrder = "event_order" // events (subsequence), optional ticket
	AssertEventCount = "event_count" // event, count, optional ticket
	AssertLock       = "lock"        // path, owner ("" for unlocked)
	AssertTask       = "task"        // ticket, status
	AssertFile       = "file"        // path, content and/or ticket, deleted
	AssertWrite      = "write"       // request, status
)

// Assertion checks the trace or final state.
type Assertion struct {
	Type    string   `yaml:"type"`
	Events  []string `yaml:"events,omitempty"`
	Event   string   `yaml:"event,omitempty"`
	Count   int      `yaml:"count,omitempty"`
	Ticket  string   `yaml:"ticket,omitempty"`
	Path    string   `yaml:"path,omitempty"`
	Owner   string   `yaml:"owner,omitempty"`
	Status  string   `yaml:"status,omitempty"`
	Content *string  `yaml:"content,omitempty"`
	Deleted bool     `yaml:"deleted,omitempty"`
	Request string   `yaml:"request,omitempty"`
}

// LoadScenario reads a scenario file, rejecting unknown fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, st := range s.Steps {
		if err := validateStep(st); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(st Step) error {
	need := func(fields map[string]bool) error {
		for name, ok := range fields {
			if !ok {
				return fmt.Errorf("%s requires %s", st.Op, name)
			}
		}
		return nil
	}
	switch st.Op {
	case OpWrite:
		return need(map[string]bool{"path": st.Path != ""})
	case OpAcquire:
		return need(map[string]bool{"ticket": st.Ticket != "", "paths": len(st.Paths) > 0})
	case OpRelease, OpDelete:
		return need(map[string]bool{"ticket": st.Ticket != "", "path": st.Path != ""})
	case OpReleaseAll:
		return need(map[string]bool{"ticket": st.Ticket != ""})
	case OpPropose:
		return need(map[string]bool{"ticket": st.Ticket != "", "paths": len(st.Paths) > 0, "as": st.As != ""})
	case OpValidate, OpCommit, OpRollback:
		return need(map[string]bool{"request": st.Request != ""})
	case OpDepend:
		if err := need(map[string]bool{"ticket": st.Ticket != "", "source": st.Source != "", "target": st.Target != ""}); err != nil {
			return err
		}
		if !registry.DependencyType(st.DepType).Valid() {
			return fmt.Errorf("unknown dep_type %q", st.DepType)
		}
	case OpContract:
		return need(map[string]bool{"ticket": st.Ticket != "", "name": st.Name != "", "decision": st.Decision != ""})
	case OpTask:
		if err := need(map[string]bool{"ticket": st.Ticket != ""}); err != nil {
			return err
		}
		if !eventlog.Type(st.Event).Known() {
			return fmt.Errorf("unknown event %q", st.Event)
		}
	case OpAdvance:
		if st.Duration <= 0 {
			return fmt.Errorf("advance requires a positive duration")
		}
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("events list is required for event_order")
		}
	case AssertEventCount:
		if a.Event == "" || a.Count < 0 {
			return fmt.Errorf("event and a non-negative count are required for event_count")
		}
	case AssertLock, AssertFile:
		if a.Path == "" {
			return fmt.Errorf("path is required for %s", a.Type)
		}
	case AssertTask:
		if a.Ticket == "" || a.Status == "" {
			return fmt.Errorf("ticket and status are required for task")
		}
	case AssertWrite:
		if a.Request == "" || a.Status == "" {
			return fmt.Errorf("request and status are required for write")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
