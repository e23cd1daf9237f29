package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) (*PathValidator, string) {
	t.Helper()
	root := t.TempDir()
	v, err := NewPathValidator(root)
	require.NoError(t, err)
	return v, v.Root()
}

func TestValidatePath(t *testing.T) {
	v, root := newValidator(t)

	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "real"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linked")))
	require.NoError(t, os.Symlink(filepath.Join(root, "src", "real"), filepath.Join(root, "src", "alias")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "real", "f.go"), nil, 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "src", "real", "f.go"), filepath.Join(root, "src", "real", "g.go")))

	tests := []struct {
		name   string
		path   string
		ok     bool
		reason Reason
	}{
		{"plain relative", "src/lib/util.go", true, ReasonOK},
		{"existing file", "src/real/f.go", true, ReasonOK},
		{"absolute inside root", filepath.Join(root, "src", "x.go"), true, ReasonOK},
		{"dot segments", "./src/./a.go", true, ReasonOK},
		{"empty", "", false, ReasonEmptyPath},
		{"blank", "   ", false, ReasonEmptyPath},
		{"parent traversal", "../../etc/passwd", false, ReasonParentTraversal},
		{"inner parent traversal", "src/../../x", false, ReasonParentTraversal},
		{"backslash traversal", `src\..\..\x`, false, ReasonParentTraversal},
		{"encoded dots", "a/%2e%2e/b", false, ReasonEncodedTraversal},
		{"encoded uppercase", "a/%2E%2E/b", false, ReasonEncodedTraversal},
		{"encoded slash", "a%2f..%2fb", false, ReasonEncodedTraversal},
		{"double encoded", "a/%252e%252e/b", false, ReasonEncodedTraversal},
		{"newline", "a\nb.go", false, ReasonControlCharacter},
		{"nul", "a\x00b.go", false, ReasonControlCharacter},
		{"delete char", "a\x7fb.go", false, ReasonControlCharacter},
		{"absolute outside root", "/etc/passwd", false, ReasonOutsideRoot},
		{"root itself", ".", false, ReasonOutsideRoot},
		{"symlinked ancestor", "linked/secret.txt", false, ReasonSymlink},
		{"symlink inside root", "src/alias/f.go", false, ReasonSymlink},
		{"symlinked file", "src/real/g.go", false, ReasonSymlink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := v.Validate(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestCanonical(t *testing.T) {
	v, root := newValidator(t)

	rel, abs, err := v.Canonical("./src//lib/util.go")
	require.NoError(t, err)
	assert.Equal(t, "src/lib/util.go", rel)
	assert.Equal(t, filepath.Join(root, "src", "lib", "util.go"), abs)

	rel, _, err = v.Canonical(filepath.Join(root, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "a.go", rel)

	decomposed, _, err := v.Canonical("cafe\u0301.go")
	require.NoError(t, err)
	composed, _, err := v.Canonical("caf\u00e9.go")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
	assert.Equal(t, "caf\u00e9.go", composed)

	_, _, err = v.Canonical("../x")
	require.Error(t, err)
	assert.True(t, IsPathError(err))
}

func TestRegistryValidatePath(t *testing.T) {
	f := newFixture(t)
	ok, reason := f.reg.ValidatePath("src/lib/util.go")
	assert.True(t, ok)
	assert.Equal(t, ReasonOK, reason)

	ok, reason = f.reg.ValidatePath("../../etc/passwd")
	assert.False(t, ok)
	assert.Equal(t, ReasonParentTraversal, reason)
}
