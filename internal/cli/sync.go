package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tessera/internal/rebuild"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Follow bool
	Full   bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply events other processes appended to the log",
		Long: `Bring the live registry up to date with the shared event log.

By default only events after the registry's last applied id are read.
--full rereads the whole log and applies anything missing, which also
fills gaps left by a process that appended events but died before
applying them. --follow keeps watching the log until interrupted.

Examples:
  tessera sync
  tessera sync --full
  tessera sync --follow`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "keep applying new events until interrupted")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "reread the whole log")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
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

	out := newFormatter(opts.RootOptions, cmd)
	f := rebuild.NewFollower(e.reg, e.log, rebuild.FollowerOptions{Logger: e.logger})

	sync := f.CatchUp
	if opts.Full {
		sync = f.Resync
	}
	res, err := sync(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	if !opts.Follow {
		return out.Result(res, nil, func(w io.Writer) {
			writeSyncText(w, res)
		})
	}

	if out.Format != "json" {
		writeSyncText(out.Writer, res)
		fmt.Fprintln(out.Writer, "Following the event log. Press Ctrl-C to stop.")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = f.Follow(ctx, func(r rebuild.SyncResult) {
		if r.EventsProcessed == 0 {
			return
		}
		if out.Format == "json" {
			_ = out.Success(r)
			return
		}
		writeSyncText(out.Writer, r)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "follow failed", err)
	}
	return nil
}

func writeSyncText(w io.Writer, r rebuild.SyncResult) {
	fmt.Fprintf(w, "Synced through event %d: %d read, %d applied, %d duplicates", r.LastEventID, r.EventsProcessed, r.Applied, r.Duplicates)
	if r.Corrupt+r.Invalid > 0 {
		fmt.Fprintf(w, ", %d skipped (%d corrupt, %d invalid)", r.Corrupt+r.Invalid, r.Corrupt, r.Invalid)
	}
	fmt.Fprintln(w)
}
