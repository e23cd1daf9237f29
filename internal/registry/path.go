package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Reason explains why a path was rejected. The zero value means accepted.
type Reason string

const (
	ReasonOK               Reason = ""
	ReasonEmptyPath        Reason = "empty_path"
	ReasonControlCharacter Reason = "control_character"
	ReasonEncodedTraversal Reason = "encoded_traversal"
	ReasonParentTraversal  Reason = "parent_traversal"
	ReasonOutsideRoot      Reason = "outside_root"
	ReasonSymlink          Reason = "symlink"
)

// encodedSequences are percent-encodings of '.', '/', '\' and '%' itself
// (double encoding). Matching is case-insensitive.
var encodedSequences = []string{"%2e", "%2f", "%5c", "%25", "%c0%ae", "%c1%9c"}

// PathValidator checks agent-supplied paths against a fixed root.
type PathValidator struct {
	root string
}

// NewPathValidator resolves root (following symlinks in the root itself,
// which is trusted) and returns a validator for paths beneath it.
func NewPathValidator(root string) (*PathValidator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &PathValidator{root: abs}, nil
}

// Root returns the absolute root.
func (v *PathValidator) Root() string { return v.root }

// Validate reports whether path is safe to register, lock or write. It
// never returns an error: every rejection is expressed as a Reason.
//
// Rejected, in order of checking: empty paths, control characters,
// percent-encoded traversal, ".." segments, paths resolving outside the
// root, and paths where the target or any existing ancestor below the root
// is a symbolic link.
func (v *PathValidator) Validate(path string) (bool, Reason) {
	if strings.TrimSpace(path) == "" {
		return false, ReasonEmptyPath
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return false, ReasonControlCharacter
		}
	}
	lower := strings.ToLower(path)
	for _, seq := range encodedSequences {
		if strings.Contains(lower, seq) {
			return false, ReasonEncodedTraversal
		}
	}
	for _, seg := range strings.FieldsFunc(path, isSeparator) {
		if seg == ".." {
			return false, ReasonParentTraversal
		}
	}

	abs, ok := v.resolve(path)
	if !ok {
		return false, ReasonOutsideRoot
	}

	rel, _ := filepath.Rel(v.root, abs)
	cur := v.root
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if seg == "." || seg == "" {
			continue
		}
		cur = filepath.Join(cur, seg)
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			// Unreadable ancestors cannot be proven safe.
			return false, ReasonSymlink
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return false, ReasonSymlink
		}
	}
	return true, ReasonOK
}

// Canonical returns the NFC-normalized, slash-separated path relative to
// the root, and its absolute form. The path must already be valid.
func (v *PathValidator) Canonical(path string) (rel, abs string, err error) {
	if ok, reason := v.Validate(path); !ok {
		return "", "", &PathError{Path: path, Reason: reason}
	}
	abs, _ = v.resolve(path)
	r, err := filepath.Rel(v.root, abs)
	if err != nil {
		return "", "", fmt.Errorf("relativize %q: %w", path, err)
	}
	return filepath.ToSlash(r), abs, nil
}

// resolve joins a relative path to the root (absolute paths are taken as
// is), normalizes it and reports whether the result stays inside the root.
func (v *PathValidator) resolve(path string) (string, bool) {
	p := norm.NFC.String(filepath.FromSlash(strings.ReplaceAll(path, `\`, "/")))
	if !filepath.IsAbs(p) {
		p = filepath.Join(v.root, p)
	}
	p = filepath.Clean(p)
	if p == v.root {
		return "", false
	}
	rel, err := filepath.Rel(v.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

func isSeparator(r rune) bool { return r == '/' || r == '\\' }

// ValidatePath checks path against the registry root.
func (r *Registry) ValidatePath(path string) (bool, Reason) {
	return r.validator.Validate(path)
}

// CanonicalPath returns the root-relative canonical form of path.
func (r *Registry) CanonicalPath(path string) (string, error) {
	rel, _, err := r.validator.Canonical(path)
	return rel, err
}
