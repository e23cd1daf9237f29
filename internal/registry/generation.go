package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/tessera/internal/ident"
)

// currentFile names the pointer file whose content is the file name of the
// live generation. Swapping generations rewrites it with tmp + rename so
// readers see either the old or the new name, never a torn one.
const currentFile = "CURRENT"

// CurrentPath returns the database path of the live generation in dir, or
// "" when dir has no generation yet.
func CurrentPath(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, currentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", currentFile, err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("%s holds invalid generation name %q", currentFile, name)
	}
	return filepath.Join(dir, name), nil
}

// NewGenerationPath returns the path for a fresh, not yet live generation.
func NewGenerationPath(dir string, ids ident.Generator) (string, error) {
	if ids == nil {
		ids = ident.UUIDv7Generator{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create registry dir: %w", err)
	}
	return filepath.Join(dir, "registry-"+ids.Generate()+".db"), nil
}

// Swap makes the generation at path live. path must be inside dir.
func Swap(dir, path string) error {
	if filepath.Dir(path) != filepath.Clean(dir) {
		return fmt.Errorf("generation %s is not in %s", path, dir)
	}
	tmp := filepath.Join(dir, currentFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if _, err := f.WriteString(filepath.Base(path) + "\n"); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentFile)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap %s: %w", currentFile, err)
	}
	syncDir(dir)
	return nil
}

// RemoveGeneration deletes a generation database and its WAL sidecars.
func RemoveGeneration(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func initGeneration(dir string, ids ident.Generator) (string, error) {
	path, err := NewGenerationPath(dir, ids)
	if err != nil {
		return "", err
	}
	// Create the schema before publishing the pointer.
	r, err := OpenFile(path, Options{})
	if err != nil {
		return "", err
	}
	if err := r.Close(); err != nil {
		return "", err
	}
	if err := Swap(dir, path); err != nil {
		return "", err
	}
	return path, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
