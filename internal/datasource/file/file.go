// Package file opens metadata tables from the local filesystem.
package file

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Open opens path for reading. "-" reads stdin.
func Open(path string) (io.ReadCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file source: empty path")
	}
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file source: %w", err)
	}
	return f, nil
}
