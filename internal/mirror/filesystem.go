package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSystemMirror stores content as files under a root directory, e.g. an
// external drive or a network mount.
type FileSystemMirror struct {
	root       string
	contentDir string
}

var _ Mirror = (*FileSystemMirror)(nil)

// NewFileSystemMirror creates a filesystem mirror rooted at the given path.
func NewFileSystemMirror(root string) (*FileSystemMirror, error) {
	contentDir := filepath.Join(root, "content")
	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror content directory: %w", err)
	}
	return &FileSystemMirror{root: root, contentDir: contentDir}, nil
}

// PutContent stores content under its content name, temp-and-rename so a
// crash never leaves a half-written replica under the final name.
func (m *FileSystemMirror) PutContent(_ context.Context, name string, r io.Reader, size int64) error {
	destPath := filepath.Join(m.contentDir, name)
	if _, err := os.Stat(destPath); err == nil {
		// Already mirrored; consume the reader to keep the contract uniform.
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	tmp, err := os.CreateTemp(m.contentDir, ".mirror-*.tmp")
	if err != nil {
		return fmt.Errorf("creating mirror temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing mirror content: %w", err)
	}
	if written != size {
		os.Remove(tmpPath)
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing mirror content: %w", err)
	}
	return nil
}

// HasContent reports whether content with the given name exists.
func (m *FileSystemMirror) HasContent(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(m.contentDir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat mirror content: %w", err)
}

// ValidateSetup verifies that the mirror directories are accessible.
func (m *FileSystemMirror) ValidateSetup(_ context.Context) error {
	info, err := os.Stat(m.root)
	if err != nil {
		return fmt.Errorf("mirror root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mirror root is not a directory: %s", m.root)
	}
	return nil
}
