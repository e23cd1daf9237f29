package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/roach88/tessera/internal/contextasm"
	"github.com/roach88/tessera/internal/registry"
)

// maxSummary bounds the command output kept as a task summary.
const maxSummary = 4096

// CommandWorker runs Task.Command through a shell in the shared root. The
// context bundle is written to the command's stdin as JSON, and the ticket
// id, kind and root are exported as TESSERA_TICKET, TESSERA_KIND and
// TESSERA_ROOT. On success every declared write path that exists is
// reported as a write intent carrying its on-disk hash.
type CommandWorker struct {
	Root string
	// Shell defaults to /bin/sh.
	Shell string
	// Env is appended to the process environment.
	Env []string
}

// Execute implements Worker.
func (w CommandWorker) Execute(ctx context.Context, bundle contextasm.Bundle, t Task) (Result, error) {
	if strings.TrimSpace(t.Command) == "" {
		return Result{}, fmt.Errorf("task %s has no command", t.ID)
	}
	input, err := json.Marshal(bundle)
	if err != nil {
		return Result{}, fmt.Errorf("encode bundle: %w", err)
	}
	shell := w.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", t.Command)
	cmd.Dir = w.Root
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"TESSERA_TICKET="+t.ID,
		"TESSERA_KIND="+string(t.Kind),
		"TESSERA_ROOT="+w.Root,
	)
	cmd.Env = append(cmd.Env, w.Env...)
	output, err := cmd.CombinedOutput()
	summary := tail(strings.TrimSpace(string(output)), maxSummary)
	if ctx.Err() != nil {
		return Result{Summary: summary}, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	if err != nil {
		if summary != "" {
			return Result{Summary: summary}, fmt.Errorf("command failed: %w: %s", err, summary)
		}
		return Result{Summary: summary}, fmt.Errorf("command failed: %w", err)
	}

	res := Result{Summary: summary}
	for _, p := range t.Writes {
		hash, err := registry.HashFile(filepath.Join(w.Root, filepath.FromSlash(p)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("hash %s: %w", p, err)
		}
		res.Writes = append(res.Writes, registry.WriteIntent{Path: p, ContentHash: hash})
	}
	return res, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
