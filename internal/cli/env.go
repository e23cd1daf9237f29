package cli

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/tessera/internal/config"
	"github.com/roach88/tessera/internal/eventlog"
	"github.com/roach88/tessera/internal/logging"
	"github.com/roach88/tessera/internal/rebuild"
	"github.com/roach88/tessera/internal/registry"
)

// env is the configuration, logger and stores one command works with.
// Stores are opened on demand and closed together.
type env struct {
	cfg    *config.Config
	logger *slog.Logger

	logCloser io.Closer
	log       *eventlog.Log
	reg       *registry.Registry
}

// loadEnv reads configuration and sets up logging. Logs go to the
// configured file, or to the command's stderr.
func loadEnv(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	cfg, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logOpts := logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File}
	if opts.Verbose {
		logOpts.Level = logging.LevelDebug
	}
	e := &env{cfg: cfg}
	if logOpts.File != "" {
		logger, closer, err := logging.New(logOpts)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open log file", err)
		}
		e.logger, e.logCloser = logger, closer
	} else {
		e.logger = logging.NewWithWriter(cmd.ErrOrStderr(), logOpts)
	}
	return e, nil
}

// openLog opens the shared event log.
func (e *env) openLog() error {
	l, err := eventlog.Open(e.cfg.EventLog.Path, eventlog.Options{
		Fsync:       e.cfg.EventLog.Fsync,
		IndexStride: e.cfg.EventLog.IndexStride,
		Logger:      e.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	e.log = l
	return nil
}

// openRegistry opens the live registry generation, writing through the
// event log when one is open.
func (e *env) openRegistry() error {
	opts := registry.Options{
		Root:       e.cfg.Root,
		Logger:     e.logger,
		Components: e.cfg.Components,
	}
	if e.log != nil {
		opts.Log = e.log
	}
	reg, err := registry.Open(e.cfg.Registry.Dir, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open registry", err)
	}
	e.reg = reg
	return nil
}

// rebuilder builds a Rebuilder over the open log.
func (e *env) rebuilder() *rebuild.Rebuilder {
	return rebuild.New(rebuild.Config{
		Dir:        e.cfg.Registry.Dir,
		Root:       e.cfg.Root,
		Components: e.cfg.Components,
		Log:        e.log,
		Live:       e.reg,
		Logger:     e.logger,
	})
}

// Close closes every opened store and the log file.
func (e *env) Close() error {
	var errs []error
	if e.reg != nil {
		errs = append(errs, e.reg.Close())
	}
	if e.log != nil {
		errs = append(errs, e.log.Close())
	}
	if e.logCloser != nil {
		errs = append(errs, e.logCloser.Close())
	}
	return errors.Join(errs...)
}
