package eventlog

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Type names a state-changing fact recorded in the log.
type Type string

const (
	TaskCreated       Type = "TASK_CREATED"
	TaskCancelled     Type = "TASK_CANCELLED"
	AgentStarted      Type = "AGENT_STARTED"
	AgentCompleted    Type = "AGENT_COMPLETED"
	AgentFailed       Type = "AGENT_FAILED"
	AgentBlocked      Type = "AGENT_BLOCKED"
	FileLocked        Type = "FILE_LOCKED"
	FileUnlocked      Type = "FILE_UNLOCKED"
	FileLockReclaimed Type = "FILE_LOCK_RECLAIMED"
	FileDeleted       Type = "FILE_DELETED"
	WriteProposed     Type = "WRITE_PROPOSED"
	WriteValidated    Type = "WRITE_VALIDATED"
	WriteFailed       Type = "WRITE_FAILED"
	WriteCommitted    Type = "WRITE_COMMITTED"
	WriteRolledBack   Type = "WRITE_ROLLED_BACK"
	DependencyAdded   Type = "DEPENDENCY_ADDED"
	ContractDecision  Type = "CONTRACT_DECISION"
)

var knownTypes = map[Type]struct{}{
	TaskCreated: {}, TaskCancelled: {},
	AgentStarted: {}, AgentCompleted: {}, AgentFailed: {}, AgentBlocked: {},
	FileLocked: {}, FileUnlocked: {}, FileLockReclaimed: {}, FileDeleted: {},
	WriteProposed: {}, WriteValidated: {}, WriteFailed: {}, WriteCommitted: {}, WriteRolledBack: {},
	DependencyAdded: {}, ContractDecision: {},
}

// Known reports whether t is one of the event types this system emits.
// Unknown types are still stored and replayed; appliers ignore them.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is one immutable record of the log.
//
// ID and Timestamp are assigned by Append. Payload values are normalized
// to their JSON forms (numbers become json.Number, nested structs become
// maps) so that an appended event and the same event read back from disk
// are identical and hash identically.
type Event struct {
	ID        uint64         `json:"event_id"`
	TicketID  string         `json:"ticket_id"`
	Type      Type           `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	Checksum  string         `json:"checksum"`
}

// New builds an unappended event.
func New(ticketID string, typ Type, payload map[string]any) Event {
	return Event{TicketID: ticketID, Type: typ, Payload: payload}
}

// PayloadString returns payload[key] as a string, or "" when absent.
func (e Event) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// PayloadInt64 returns payload[key] as an int64. Missing or non-numeric
// values yield (0, false).
func (e Event) PayloadInt64(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// PayloadStrings returns payload[key] as a string slice.
func (e Event) PayloadStrings(key string) []string {
	switch v := e.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			if s, ok := elem.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// PayloadObjects returns payload[key] as a list of objects, skipping
// elements that are not objects.
func (e Event) PayloadObjects(key string) []map[string]any {
	arr, ok := e.Payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, elem := range arr {
		if m, ok := elem.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
