package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore stores blobs under a directory on the local filesystem.
//
// Writes are atomic: content goes to a temp file in the destination
// directory and is renamed into place, so readers never observe a partial
// archive.
type LocalStore struct {
	root         string
	minFreeSpace uint64
}

// NewLocal creates a LocalStore rooted at cfg.Dir, creating it if needed.
func NewLocal(cfg *LocalConfig) (*LocalStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("local blob dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalStore{
		root:         cfg.Dir,
		minFreeSpace: uint64(cfg.MinFreeSpace),
	}, nil
}

// Open returns a reader for the blob at path.
func (s *LocalStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", path, err)
	}
	return f, nil
}

// Write stores the blob atomically and returns the bytes written.
func (s *LocalStore) Write(ctx context.Context, path string, r io.Reader) (int64, error) {
	full, err := s.resolve(path)
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	if s.minFreeSpace > 0 {
		free, err := freeSpace(dir)
		if err == nil && free < s.minFreeSpace {
			return 0, fmt.Errorf("insufficient free space on blob filesystem: %d bytes available", free)
		}
	}

	// Temp file in the destination directory so the final rename never
	// crosses filesystems.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to write blob %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to sync blob %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to close blob %s: %w", path, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to finalize blob %s: %w", path, err)
	}

	return n, nil
}

// Size returns the stored size of the blob at path.
func (s *LocalStore) Size(ctx context.Context, path string) (int64, error) {
	full, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat blob %s: %w", path, err)
	}
	return info.Size(), nil
}

// resolve maps a blob path to an absolute filesystem path, rejecting
// anything that would escape the store root.
func (s *LocalStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob path: %q", path)
	}
	return filepath.Join(s.root, clean), nil
}
