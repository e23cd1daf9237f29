package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("E001", "rebuild failed", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.Equal(t, "E001", resp.Error.Code)
	assert.Equal(t, "rebuild failed", resp.Error.Message)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("State consistent")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "State consistent")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error("E001", "rebuild failed", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "rebuild failed")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"file": "events.ndjson"}
	err := formatter.Error("E001", "rebuild failed", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Processing %s", "events.ndjson")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Processing test.cue")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestOutputFormatter_ResultJSONFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Result(map[string]int{"drift": 2}, &CLIError{Code: CodeDrift, Message: "state drift"}, func(io.Writer) {
		t.Fatal("text renderer called in json mode")
	})
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeDrift, resp.Error.Code)
	assert.NotNil(t, resp.Data, "data is kept alongside the failure")
}

func TestOutputFormatter_ResultText(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Result(nil, nil, func(w io.Writer) {
		fmt.Fprintln(w, "rendered")
	})
	require.NoError(t, err)
	assert.Equal(t, "rendered\n", buf.String())
}

func TestReportError(t *testing.T) {
	newCmd := func() (*cobra.Command, *bytes.Buffer) {
		buf := &bytes.Buffer{}
		cmd := &cobra.Command{}
		cmd.SetOut(buf)
		return cmd, buf
	}
	jsonOpts := &RootOptions{Format: "json"}

	t.Run("exit error", func(t *testing.T) {
		cmd, buf := newCmd()
		in := WrapExitError(ExitCommandError, "batch rejected", errors.New("cycle: A -> B -> A"))
		err := reportError(jsonOpts, cmd, in)
		assert.Same(t, in, err)

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeCommand, resp.Error.Code)
		assert.Equal(t, "batch rejected", resp.Error.Message)
		assert.Equal(t, "cycle: A -> B -> A", resp.Error.Details)

		buf.Reset()
		_ = reportError(jsonOpts, cmd, in)
		assert.Empty(t, buf.String(), "an error is written once")
	})

	t.Run("plain error", func(t *testing.T) {
		cmd, buf := newCmd()
		err := reportError(jsonOpts, cmd, errors.New("boom"))
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeFailed, resp.Error.Code)
		assert.Equal(t, "boom", resp.Error.Details)
	})

	t.Run("already written by Result", func(t *testing.T) {
		cmd, buf := newCmd()
		f := newFormatter(jsonOpts, cmd)
		err := f.Result(nil, &CLIError{Code: CodeDrift, Message: "state drift"}, func(io.Writer) {})
		buf.Reset()
		assert.Equal(t, err, reportError(jsonOpts, cmd, err))
		assert.Empty(t, buf.String())
	})

	t.Run("text mode", func(t *testing.T) {
		cmd, buf := newCmd()
		err := reportError(&RootOptions{Format: "text"}, cmd, NewExitError(ExitFailure, "sync failed"))
		require.Error(t, err)
		assert.Empty(t, buf.String())
	})

	t.Run("nil", func(t *testing.T) {
		cmd, buf := newCmd()
		assert.NoError(t, reportError(jsonOpts, cmd, nil))
		assert.Empty(t, buf.String())
	})
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	formatter.VerboseLog("scanning %d events", 3)
	assert.Empty(t, out.String())
	assert.Equal(t, "scanning 3 events\n", errOut.String())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailure},
		{"command", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped", fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "load", errors.New("inner"))), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "load: inner", WrapExitError(ExitCommandError, "load", errors.New("inner")).Error())
	assert.Equal(t, "bad flag", NewExitError(ExitCommandError, "bad flag").Error())
}
