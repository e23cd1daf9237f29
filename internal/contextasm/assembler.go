// Package contextasm assembles the context bundle handed to a worker.
//
// A bundle has two parts. The registry part (files, locks, dependency
// edges, contract decisions) is read from the local registry and is always
// complete. The knowledge part comes from an external service through a
// retrying circuit breaker; when that call fails the last good result for
// the same query is used if it is younger than the cache TTL, and an empty
// result otherwise. Knowledge failures never fail Assemble.
package contextasm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/tessera/internal/registry"
)

// KnowledgeSource says where a bundle's knowledge part came from.
type KnowledgeSource string

const (
	SourceLive  KnowledgeSource = "live"
	SourceCache KnowledgeSource = "cache"
	SourceEmpty KnowledgeSource = "empty"
)

// RegistryReader is the registry surface the assembler reads.
type RegistryReader interface {
	FilesForTicket(ctx context.Context, ticket string) ([]registry.FileRecord, error)
	GetFile(ctx context.Context, path string) (registry.FileRecord, error)
	LocksHeldBy(ctx context.Context, ticket string) ([]string, error)
	DependenciesForTicket(ctx context.Context, ticket string) ([]registry.Dependency, error)
	Dependencies(ctx context.Context, path string) ([]registry.Dependency, error)
	QueryDependents(ctx context.Context, path string) ([]registry.Dependency, error)
	ContractsForTicket(ctx context.Context, ticket string) ([]registry.ContractDecision, error)
}

// Knowledge is the external part of a bundle.
type Knowledge struct {
	Items     []Item          `json:"items"`
	Source    KnowledgeSource `json:"source"`
	FetchedAt time.Time       `json:"fetched_at,omitzero"`
	Error     string          `json:"error,omitempty"`
}

// Bundle is everything a worker is given about its ticket.
type Bundle struct {
	TicketID     string                      `json:"ticket_id"`
	AgentType    string                      `json:"agent_type"`
	Files        []registry.FileRecord       `json:"files"`
	Locks        []string                    `json:"locks"`
	Dependencies []registry.Dependency       `json:"dependencies"`
	Dependents   []registry.Dependency       `json:"dependents"`
	Contracts    []registry.ContractDecision `json:"contracts"`
	Knowledge    Knowledge                   `json:"knowledge"`
	// Degraded is true whenever Knowledge is not live.
	Degraded    bool      `json:"degraded"`
	AssembledAt time.Time `json:"assembled_at"`
}

// KnowledgeSource is shorthand for b.Knowledge.Source.
func (b Bundle) KnowledgeSource() KnowledgeSource { return b.Knowledge.Source }

// Options configure an Assembler.
type Options struct {
	// Remote may be nil: every bundle then falls back.
	Remote Querier
	Cache  *Cache
	Logger *slog.Logger
	Now    func() time.Time
}

// Assembler builds bundles.
type Assembler struct {
	reg    RegistryReader
	remote Querier
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewAssembler creates an assembler over reg.
func NewAssembler(reg RegistryReader, opts Options) *Assembler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = NewCache(time.Hour, 0, opts.Now)
	}
	return &Assembler{reg: reg, remote: opts.Remote, cache: opts.Cache, logger: opts.Logger, now: opts.Now}
}

// Assemble builds the bundle for ticket. paths adds files the ticket is
// about to touch (its declared read and write sets) to the registry part.
// The only errors returned come from the registry.
func (a *Assembler) Assemble(ctx context.Context, ticket, agentType string, paths ...string) (Bundle, error) {
	b := Bundle{TicketID: ticket, AgentType: agentType, AssembledAt: a.now()}
	if err := a.registryPart(ctx, &b, paths); err != nil {
		return Bundle{}, fmt.Errorf("assemble %s: %w", ticket, err)
	}

	q := Query{TicketID: ticket, AgentType: agentType, Paths: filePaths(b.Files)}
	b.Knowledge = a.knowledge(ctx, q)
	b.Degraded = b.Knowledge.Source != SourceLive
	return b, nil
}

func (a *Assembler) registryPart(ctx context.Context, b *Bundle, paths []string) error {
	var err error
	if b.Files, err = a.reg.FilesForTicket(ctx, b.TicketID); err != nil {
		return err
	}
	seen := make(map[string]bool, len(b.Files))
	for _, f := range b.Files {
		seen[f.Path] = true
	}
	for _, p := range paths {
		f, err := a.reg.GetFile(ctx, p)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !seen[f.Path] {
			seen[f.Path] = true
			b.Files = append(b.Files, f)
		}
	}
	slices.SortFunc(b.Files, func(x, y registry.FileRecord) int { return cmp.Compare(x.Path, y.Path) })

	if b.Locks, err = a.reg.LocksHeldBy(ctx, b.TicketID); err != nil {
		return err
	}
	if b.Contracts, err = a.reg.ContractsForTicket(ctx, b.TicketID); err != nil {
		return err
	}

	deps, err := a.reg.DependenciesForTicket(ctx, b.TicketID)
	if err != nil {
		return err
	}
	var dependents []registry.Dependency
	for _, f := range b.Files {
		out, err := a.reg.Dependencies(ctx, f.Path)
		if err != nil {
			return err
		}
		deps = append(deps, out...)
		in, err := a.reg.QueryDependents(ctx, f.Path)
		if err != nil {
			return err
		}
		dependents = append(dependents, in...)
	}
	b.Dependencies = dedupeDeps(deps)
	b.Dependents = dedupeDeps(dependents)
	return nil
}

func (a *Assembler) knowledge(ctx context.Context, q Query) Knowledge {
	var cause error
	if a.remote == nil {
		cause = ErrUnavailable
	} else {
		res, err := a.remote.Query(ctx, q)
		if err == nil {
			a.cache.Put(q, res)
			return Knowledge{Items: res.Items, Source: SourceLive, FetchedAt: a.now()}
		}
		cause = err
	}

	if res, at, ok := a.cache.Get(q); ok {
		a.logger.Info("knowledge fallback from cache",
			"ticket", q.TicketID,
			"age", a.now().Sub(at),
			"error", cause,
		)
		return Knowledge{Items: res.Items, Source: SourceCache, FetchedAt: at, Error: cause.Error()}
	}
	if a.remote != nil {
		a.logger.Warn("knowledge fallback to empty context",
			"ticket", q.TicketID,
			"error", cause,
		)
	}
	return Knowledge{Items: []Item{}, Source: SourceEmpty, Error: cause.Error()}
}

func filePaths(files []registry.FileRecord) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

func dedupeDeps(deps []registry.Dependency) []registry.Dependency {
	slices.SortFunc(deps, func(x, y registry.Dependency) int {
		if c := cmp.Compare(x.Source, y.Source); c != 0 {
			return c
		}
		if c := cmp.Compare(x.Target, y.Target); c != 0 {
			return c
		}
		return cmp.Compare(string(x.Type), string(y.Type))
	})
	out := slices.CompactFunc(deps, func(x, y registry.Dependency) bool {
		return x.Source == y.Source && x.Target == y.Target && x.Type == y.Type
	})
	if out == nil {
		return []registry.Dependency{}
	}
	return out
}
