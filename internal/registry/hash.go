package registry

import (
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing"
)

// HashContent returns the git blob id of data, so registry hashes can be
// compared directly with `git hash-object` output.
func HashContent(data []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, data).String()
}

// HashFile returns the git blob id of the file at path.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return HashContent(data), nil
}
