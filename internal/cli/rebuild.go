package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tessera/internal/rebuild"
)

// RebuildOptions holds flags for the rebuild command.
type RebuildOptions struct {
	*RootOptions
	FromTimestamp string
	FromEvent     uint64
	Prune         bool
}

// RebuildResult is the rebuild command's output.
type RebuildResult struct {
	Report *rebuild.Report `json:"report"`
	Pruned []string        `json:"pruned,omitempty"`
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the file registry from the event log",
		Long: `Replay the event log into a new registry generation and swap it in.

The live registry is left untouched unless the whole replay succeeds.
Corrupt or unusable records are skipped and reported; the rebuild then
succeeds with warnings.

With --from-event or --from-timestamp the new generation starts as a copy
of the live one and only the later part of the log is replayed.

Exit codes:
  0 - Rebuild succeeded (possibly with warnings)
  1 - Rebuild failed; the live registry is unchanged
  2 - Command error (bad flags, unreadable config, etc.)

Examples:
  tessera rebuild
  tessera rebuild --from-timestamp 2025-01-15T10:00:00Z
  tessera rebuild --from-event 1200 --prune
  tessera rebuild --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.FromTimestamp, "from-timestamp", "", "replay events at or after this time (RFC3339 or unix ms)")
	cmd.Flags().Uint64Var(&opts.FromEvent, "from-event", 0, "replay events from this event id")
	cmd.Flags().BoolVar(&opts.Prune, "prune", false, "remove superseded registry generations afterwards")
	cmd.MarkFlagsMutuallyExclusive("from-timestamp", "from-event")

	return cmd
}

// parseTimestamp accepts RFC3339 or unix milliseconds.
func parseTimestamp(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("timestamp must be positive, got %d", ms)
		}
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: want RFC3339 or unix milliseconds", s)
	}
	return t.UnixMilli(), nil
}

func runRebuild(opts *RebuildOptions, cmd *cobra.Command) error {
	var ropts rebuild.Options
	ropts.FromEventID = opts.FromEvent
	if opts.FromTimestamp != "" {
		ts, err := parseTimestamp(opts.FromTimestamp)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --from-timestamp", err)
		}
		ropts.FromTimestamp = ts
	}

	e, err := loadEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.openLog(); err != nil {
		return err
	}

	out := newFormatter(opts.RootOptions, cmd)
	rb := e.rebuilder()
	rep, rerr := rb.Rebuild(cmd.Context(), ropts)
	result := RebuildResult{Report: rep}

	if rerr == nil && opts.Prune {
		pruned, err := rb.Prune()
		if err != nil {
			out.VerboseLog("prune: %v", err)
		}
		result.Pruned = pruned
	}

	var fail *CLIError
	if rerr != nil {
		fail = &CLIError{Code: CodeRebuildFailed, Message: "rebuild failed", Details: rerr.Error()}
	}
	return out.Result(result, fail, func(w io.Writer) {
		writeRebuildText(w, result, opts.Verbose)
	})
}

func writeRebuildText(w io.Writer, res RebuildResult, verbose bool) {
	rep := res.Report
	mark := "✓"
	if rep.Status == rebuild.StatusFailed {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Rebuild %s: %d events (%d applied, %d duplicates) in %s\n",
		mark, rep.Status, rep.EventsProcessed, rep.Applied, rep.Duplicates, rep.Duration.Round(time.Millisecond))
	if rep.Seeded {
		fmt.Fprintln(w, "  seeded from the live registry")
	}
	if rep.Generation != "" {
		fmt.Fprintf(w, "  generation: %s\n", filepath.Base(rep.Generation))
	}
	if rep.Warnings() > 0 {
		fmt.Fprintf(w, "  skipped: %d (%d corrupt, %d invalid)\n", rep.Warnings(), len(rep.Corrupt), len(rep.Invalid))
		if verbose {
			for _, s := range slices.Concat(rep.Corrupt, rep.Invalid) {
				fmt.Fprintf(w, "    %s\n", skippedLine(s))
			}
		}
	}
	for _, p := range res.Pruned {
		fmt.Fprintf(w, "  pruned: %s\n", filepath.Base(p))
	}
	if rep.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", rep.Error)
	}
}

func skippedLine(s rebuild.SkippedEvent) string {
	where := fmt.Sprintf("offset %d", s.Offset)
	if s.EventID > 0 {
		where = fmt.Sprintf("event %d", s.EventID)
	}
	if s.Detail == "" {
		return fmt.Sprintf("%s: %s", where, s.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", where, s.Reason, s.Detail)
}
