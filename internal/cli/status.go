package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tessera/internal/contextasm"
	"github.com/roach88/tessera/internal/registry"
	"github.com/roach88/tessera/internal/resource"
)

const healthTimeout = 3 * time.Second

// StatusResult is the status command's output.
type StatusResult struct {
	Log        LogStatus                   `json:"log"`
	Registry   RegistryStatus              `json:"registry"`
	Locks      []registry.Lock             `json:"locks"`
	Tasks      map[registry.TaskStatus]int `json:"tasks"`
	Components []registry.Component        `json:"components"`
	Knowledge  KnowledgeStatus             `json:"knowledge"`
	Host       *resource.Sample            `json:"host,omitempty"`
}

// LogStatus describes the event log.
type LogStatus struct {
	Path        string `json:"path"`
	LastEventID uint64 `json:"last_event_id"`
	Quarantined int    `json:"quarantined"`
}

// RegistryStatus describes the live registry.
type RegistryStatus struct {
	Dir           string `json:"dir"`
	LastAppliedID uint64 `json:"last_applied_id"`
	Lag           uint64 `json:"lag"`
}

// KnowledgeStatus describes the remote knowledge service.
type KnowledgeStatus struct {
	URL     string                  `json:"url,omitempty"`
	Breaker contextasm.BreakerState `json:"breaker"`
	Healthy bool                    `json:"healthy"`
	Error   string                  `json:"error,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show log, registry, lock and task state",
		Long: `Summarize the shared state: how far the registry lags the event log,
which locks are held, task counts by status, components, the knowledge
service and current host utilization.

Examples:
  tessera status
  tessera status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	e, err := loadEnv(opts, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.openLog(); err != nil {
		return err
	}
	// No log attached: status never appends events.
	reg, err := registry.Open(e.cfg.Registry.Dir, registry.Options{
		Root:       e.cfg.Root,
		Logger:     e.logger,
		Components: e.cfg.Components,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open registry", err)
	}
	defer reg.Close()

	ctx := cmd.Context()
	res, err := collectStatus(ctx, e, reg)
	if err != nil {
		return WrapExitError(ExitFailure, "status failed", err)
	}
	return newFormatter(opts, cmd).Result(res, nil, func(w io.Writer) {
		writeStatusText(w, res)
	})
}

func collectStatus(ctx context.Context, e *env, reg *registry.Registry) (*StatusResult, error) {
	res := &StatusResult{Tasks: make(map[registry.TaskStatus]int)}

	last, err := e.log.LastID()
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	res.Log = LogStatus{Path: e.log.Path(), LastEventID: last, Quarantined: e.log.QuarantineCount()}

	applied, err := reg.LastAppliedID(ctx)
	if err != nil {
		return nil, err
	}
	res.Registry = RegistryStatus{Dir: e.cfg.Registry.Dir, LastAppliedID: applied}
	if last > applied {
		res.Registry.Lag = last - applied
	}

	if res.Locks, err = reg.Locks(ctx); err != nil {
		return nil, err
	}
	tasks, err := reg.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		res.Tasks[t.Status]++
	}
	if res.Components, err = reg.Components(ctx); err != nil {
		return nil, err
	}

	remote := contextasm.NewRemote(e.cfg, e.logger)
	res.Knowledge = KnowledgeStatus{URL: e.cfg.Knowledge.URL, Breaker: remote.State()}
	if remote != nil {
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		if err := remote.Health(hctx); err != nil {
			res.Knowledge.Error = err.Error()
		} else {
			res.Knowledge.Healthy = true
		}
		cancel()
		res.Knowledge.Breaker = remote.State()
	}

	if s, err := (resource.HostSampler{}).Sample(ctx); err == nil {
		res.Host = &s
	} else {
		e.logger.Debug("host sample unavailable", "error", err)
	}
	return res, nil
}

var taskStatusOrder = []registry.TaskStatus{
	registry.TaskStatusCreated,
	registry.TaskStatusRunning,
	registry.TaskStatusCompleted,
	registry.TaskStatusFailed,
	registry.TaskStatusBlocked,
	registry.TaskStatusCancelled,
}

func writeStatusText(w io.Writer, r *StatusResult) {
	fmt.Fprintf(w, "Event log:  %s (last event %d", r.Log.Path, r.Log.LastEventID)
	if r.Log.Quarantined > 0 {
		fmt.Fprintf(w, ", %d quarantined", r.Log.Quarantined)
	}
	fmt.Fprintln(w, ")")

	fmt.Fprintf(w, "Registry:   applied through %d", r.Registry.LastAppliedID)
	if r.Registry.Lag > 0 {
		fmt.Fprintf(w, " (%d behind; run 'tessera sync')", r.Registry.Lag)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Locks:      %d held\n", len(r.Locks))
	for _, l := range r.Locks {
		fmt.Fprintf(w, "  %s by %s until %s\n", l.Path, l.Owner, time.UnixMilli(l.Expiry).UTC().Format(time.RFC3339))
	}

	fmt.Fprint(w, "Tasks:     ")
	if len(r.Tasks) == 0 {
		fmt.Fprint(w, " none")
	}
	for _, s := range taskStatusOrder {
		if n := r.Tasks[s]; n > 0 {
			fmt.Fprintf(w, " %s=%d", s, n)
		}
	}
	fmt.Fprintln(w)

	if len(r.Components) > 0 {
		fmt.Fprintln(w, "Components:")
		for _, c := range r.Components {
			fmt.Fprintf(w, "  %s: %d file(s)\n", c.Name, c.Files)
		}
	}

	k := r.Knowledge
	if k.URL == "" {
		fmt.Fprintln(w, "Knowledge:  not configured (local fallback only)")
	} else {
		health := "healthy"
		if !k.Healthy {
			health = "unreachable: " + k.Error
		}
		fmt.Fprintf(w, "Knowledge:  %s breaker=%s %s\n", k.URL, k.Breaker, health)
	}

	if r.Host != nil {
		fmt.Fprintf(w, "Host:       cpu %.1f%% memory %.1f%%\n", r.Host.CPUPercent, r.Host.MemoryPercent)
	}
}
