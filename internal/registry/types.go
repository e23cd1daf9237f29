package registry

// LockStatus is the lock column of a file row.
type LockStatus string

const (
	Unlocked LockStatus = "unlocked"
	Locked   LockStatus = "locked"
)

// FileRecord is one row of the files table. Times are unix milliseconds
// taken from the events that produced the row, so replays reproduce them.
type FileRecord struct {
	Path          string     `json:"path"`
	CanonicalPath string     `json:"canonical_path"`
	ContentHash   string     `json:"content_hash"`
	TicketID      string     `json:"ticket_id"`
	JobID         string     `json:"job_id"`
	OwningAgent   string     `json:"owning_agent"`
	Component     string     `json:"component"`
	CreatedAt     int64      `json:"created_at"`
	UpdatedAt     int64      `json:"updated_at"`
	LastEventID   uint64     `json:"last_event_id"`
	Deleted       bool       `json:"deleted"`
	LockStatus    LockStatus `json:"lock_status"`
	LockOwner     string     `json:"lock_owner"`
	LockExpiry    int64      `json:"lock_expiry"`
}

// Lock is the locked view of a file row.
type Lock struct {
	Path   string     `json:"path"`
	Status LockStatus `json:"status"`
	Owner  string     `json:"owner,omitempty"`
	Expiry int64      `json:"expiry,omitempty"`
}

// DependencyType classifies a file relationship.
type DependencyType string

const (
	DepImports    DependencyType = "imports"
	DepTests      DependencyType = "tests"
	DepImplements DependencyType = "implements"
	DepUses       DependencyType = "uses"
)

// Valid reports whether t is a known relationship type.
func (t DependencyType) Valid() bool {
	switch t {
	case DepImports, DepTests, DepImplements, DepUses:
		return true
	}
	return false
}

// Dependency is a directed edge: Source depends on Target.
type Dependency struct {
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Type     DependencyType `json:"type"`
	TicketID string         `json:"ticket_id"`
}

// WriteStatus is the state of a write request.
type WriteStatus string

const (
	WriteStatusProposed   WriteStatus = "proposed"
	WriteStatusValidated  WriteStatus = "validated"
	WriteStatusFailed     WriteStatus = "failed"
	WriteStatusCommitted  WriteStatus = "committed"
	WriteStatusRolledBack WriteStatus = "rolled_back"
)

// Terminal reports whether no further transition is allowed.
func (s WriteStatus) Terminal() bool {
	return s == WriteStatusFailed || s == WriteStatusCommitted || s == WriteStatusRolledBack
}

// WriteIntent declares the content a ticket intends to leave at a path.
type WriteIntent struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
}

// WriteRequest tracks a three-phase write: propose, validate, commit.
type WriteRequest struct {
	RequestID   string        `json:"request_id"`
	TicketID    string        `json:"ticket_id"`
	Phase       int           `json:"phase"`
	Status      WriteStatus   `json:"status"`
	Intents     []WriteIntent `json:"intents"`
	CreatedAt   int64         `json:"created_at"`
	CompletedAt int64         `json:"completed_at"`
	Error       string        `json:"error"`
}

// ContractDecision records an interface decision made while working a
// ticket, so later tickets can be given the same contract.
type ContractDecision struct {
	ContractID string `json:"contract_id"`
	TicketID   string `json:"ticket_id"`
	Name       string `json:"name"`
	Decision   string `json:"decision"`
	Rationale  string `json:"rationale"`
	CreatedAt  int64  `json:"created_at"`
}

// TaskStatus is the last lifecycle state observed for a ticket.
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskRecord is one row of the tasks table.
type TaskRecord struct {
	TicketID   string     `json:"ticket_id"`
	Kind       string     `json:"kind"`
	Agent      string     `json:"agent"`
	Status     TaskStatus `json:"status"`
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error"`
}

// Component is a named group of files matched by glob patterns.
type Component struct {
	Name     string   `json:"name"`
	Patterns []string `json:"patterns"`
	Files    int      `json:"files"`
}
