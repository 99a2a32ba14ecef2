package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local stores artifacts on the filesystem, for development and tests.
type Local struct {
	baseDir string
}

// NewLocal creates the base directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("storage: local base dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", baseDir, err)
	}
	return &Local{baseDir: baseDir}, nil
}

// Upload writes the bytes under the base directory.
func (l *Local) Upload(_ context.Context, data []byte, path, _ string) (string, error) {
	dest := filepath.Join(l.baseDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("storage: create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write %s: %w", path, err)
	}
	return l.URL(path), nil
}

// Delete removes the file; a missing file is not an error.
func (l *Local) Delete(_ context.Context, path string) error {
	dest := filepath.Join(l.baseDir, filepath.FromSlash(path))
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// URL returns a file:// URL under the base directory.
func (l *Local) URL(path string) string {
	return "file://" + filepath.Join(l.baseDir, filepath.FromSlash(path))
}
