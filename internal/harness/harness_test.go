package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, s.Name, "scenario name must match its file")

			res, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, res.Pass, "errors: %v", res.Errors)
		})
	}
}

func TestRun_ReplayMatchesLive(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "write_protocol.yaml"))
	require.NoError(t, err)

	res, err := Run(t.Context(), s)
	require.NoError(t, err)
	require.True(t, res.Pass, "errors: %v", res.Errors)
	assert.Equal(t, res.State, res.Replayed)
	assert.Len(t, res.Requests, 2)
}

func TestRun_ReportsFailedAssertion(t *testing.T) {
	s := &Scenario{
		Name: "wrong_owner",
		Steps: []Step{
			{Op: OpAcquire, Ticket: "T-1", Paths: []string{"src/x.go"}},
		},
		Assertions: []Assertion{
			{Type: AssertLock, Path: "src/x.go", Owner: "T-2"},
			{Type: AssertEventOrder, Events: []string{"FILE_LOCKED", "FILE_UNLOCKED"}},
		},
	}

	res, err := Run(t.Context(), s)
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "assertion failed: lock")
	assert.Contains(t, res.Errors[0], `held by "T-1"`)
	assert.Contains(t, res.Errors[1], "missing FILE_UNLOCKED")
	assert.Contains(t, res.Errors[1], "1 T-1 FILE_LOCKED path=src/x.go")
}

func TestRun_ReportsUnmetExpectations(t *testing.T) {
	denied := false
	s := &Scenario{
		Name: "unmet",
		Steps: []Step{
			{Op: OpAcquire, Ticket: "T-1", Paths: []string{"src/x.go"}, Expect: &Expect{Granted: &denied}},
			{Op: OpRelease, Ticket: "T-1", Path: "src/x.go", Expect: &Expect{Error: "lock held"}},
			{Op: OpCommit, Request: "never"},
		},
	}

	res, err := Run(t.Context(), s)
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], "granted=true, want false")
	assert.Contains(t, res.Errors[1], "got none")
	assert.Contains(t, res.Errors[2], `unknown request "never"`)
}

func TestRender_Empty(t *testing.T) {
	out := string(Render("empty", NewResult()))
	assert.Equal(t, `scenario: empty
events:
  (none)
locks:
  (none)
tasks:
  (none)
files:
  (none)
write_requests:
  (none)
dependencies:
  (none)
contracts:
  (none)
`, out)
}
