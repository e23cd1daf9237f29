package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tessera/internal/contextasm"
	"github.com/roach88/tessera/internal/manifest"
	"github.com/roach88/tessera/internal/orchestrator"
	"github.com/roach88/tessera/internal/registry"
	"github.com/roach88/tessera/internal/resource"
)

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	*RootOptions
	Tasks    string
	Parallel bool
	Simple   bool
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a batch of tasks from a manifest",
		Long: `Run the tasks of a YAML manifest against the shared tree.

In parallel mode (the default) independent tasks run concurrently, gated by
the resource manager and all-or-nothing write locks. Simple mode runs the
tasks one at a time in dependency order on a single goroutine.

A failed task blocks its dependents; independent tasks keep running.

Exit codes:
  0 - Every task completed
  1 - At least one task failed, was blocked or was cancelled
  2 - Command error (invalid manifest, dependency cycle, etc.)

Examples:
  tessera process --tasks batch.yaml
  tessera process --tasks batch.yaml --simple
  tessera process --tasks batch.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tasks, "tasks", "", "path to the task manifest (required)")
	_ = cmd.MarkFlagRequired("tasks")
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", false, "run independent tasks concurrently (default)")
	cmd.Flags().BoolVar(&opts.Simple, "simple", false, "run tasks one at a time")
	cmd.MarkFlagsMutuallyExclusive("parallel", "simple")

	return cmd
}

func runProcess(opts *ProcessOptions, cmd *cobra.Command) error {
	m, err := manifest.Load(opts.Tasks)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid task manifest", err)
	}

	e, err := loadEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.openLog(); err != nil {
		return err
	}
	if err := e.openRegistry(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resources := resource.NewManager(resource.LimitsFromConfig(e.cfg.Resources), resource.Options{
		Sampler: resource.HostSampler{},
		Logger:  e.logger,
	})
	samplerCtx, stopSampler := context.WithCancel(ctx)
	defer stopSampler()
	go func() { _ = resources.Run(samplerCtx) }()

	aopts := contextasm.Options{
		Cache:  contextasm.NewCache(e.cfg.Fallback.CacheTTL, 0, nil),
		Logger: e.logger,
	}
	if remote := contextasm.NewRemote(e.cfg, e.logger); remote != nil {
		aopts.Remote = remote
	}

	oopts := orchestrator.OptionsFromConfig(e.cfg)
	oopts.Workers = orchestrator.All(orchestrator.CommandWorker{Root: e.cfg.Root})
	oopts.Resources = resources
	oopts.Assembler = contextasm.NewAssembler(e.reg, aopts)
	oopts.Logger = e.logger
	orch := orchestrator.New(e.reg, oopts)

	run := orch.Run
	if opts.Simple {
		run = orch.RunSimple
	}
	report, err := run(ctx, m.Tasks)
	if report == nil {
		if orchestrator.IsValidationError(err) {
			return WrapExitError(ExitCommandError, "batch rejected", err)
		}
		return WrapExitError(ExitFailure, "batch failed to start", err)
	}

	var fail *CLIError
	switch {
	case err != nil:
		fail = &CLIError{Code: CodeTasksFailed, Message: "batch aborted", Details: err.Error()}
	case !report.OK():
		fail = &CLIError{
			Code:    CodeTasksFailed,
			Message: fmt.Sprintf("%d of %d task(s) did not complete", len(report.Tasks)-report.Completed, len(report.Tasks)),
		}
	}
	return newFormatter(opts.RootOptions, cmd).Result(report, fail, func(w io.Writer) {
		writeBatchText(w, report)
	})
}

func writeBatchText(w io.Writer, r *orchestrator.BatchReport) {
	fmt.Fprintf(w, "Batch %s (%s): %d completed, %d failed, %d blocked, %d cancelled in %s\n",
		r.BatchID, r.Mode, r.Completed, r.Failed, r.Blocked, r.Cancelled, r.Duration.Round(time.Millisecond))
	for _, t := range r.Tasks {
		mark := "✗"
		if t.Status == registry.TaskStatusCompleted {
			mark = "✓"
		}
		line := fmt.Sprintf("  %s %s [%s] %s", mark, t.ID, t.Kind, t.Status)
		if t.KnowledgeSource != "" {
			line += fmt.Sprintf(" knowledge=%s", t.KnowledgeSource)
		}
		if len(t.BlockedBy) > 0 {
			line += fmt.Sprintf(" blocked_by=%v", t.BlockedBy)
		}
		if t.Error != "" {
			line += ": " + t.Error
		}
		fmt.Fprintln(w, line)
	}
}
