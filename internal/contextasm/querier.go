package contextasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Query asks the knowledge service for material relevant to a ticket.
type Query struct {
	TicketID   string   `json:"ticket_id"`
	AgentType  string   `json:"agent_type"`
	Paths      []string `json:"paths,omitempty"`
	Components []string `json:"components,omitempty"`
}

// key identifies equal queries for coalescing and caching. Paths and
// components are order-insensitive.
func (q Query) key() string {
	paths := slices.Clone(q.Paths)
	slices.Sort(paths)
	comps := slices.Clone(q.Components)
	slices.Sort(comps)
	b, _ := json.Marshal(Query{TicketID: q.TicketID, AgentType: q.AgentType, Paths: paths, Components: comps})
	return string(b)
}

// Item is one piece of knowledge returned by the service.
type Item struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"`
	Path    string  `json:"path,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Result is the knowledge service's answer.
type Result struct {
	Items []Item `json:"items"`
}

// Querier is the remote-call abstraction every policy decorates.
type Querier interface {
	Query(ctx context.Context, q Query) (Result, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, q Query) (Result, error)

// Query implements Querier.
func (f QuerierFunc) Query(ctx context.Context, q Query) (Result, error) { return f(ctx, q) }

// ErrUnavailable wraps every failure that reached the caller through the
// breaker: open circuit, rejected probe, or exhausted retries.
var ErrUnavailable = errors.New("knowledge service unavailable")

// StatusError is a non-2xx response from the knowledge service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("knowledge service returned %d", e.Code)
	}
	return fmt.Sprintf("knowledge service returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == 408 || e.Code == 429
}
