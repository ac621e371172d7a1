package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/lexis/pkg/types"
)

// SaveMetadataSnapshot persists data to path under spec.md §6's
// save-metadata invariant: write to a temp file in the same directory,
// fsync it, then rename over path. The rename is atomic on any
// POSIX filesystem, so a reader never observes a partially written
// snapshot; only after the rename succeeds is the new snapshot durable,
// matching "the cluster writeview is persisted atomically... only after
// success is the readview swap durable."
func SaveMetadataSnapshot(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("store: failed to create temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: failed to write temp metadata file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: failed to fsync temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: failed to close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: failed to rename metadata snapshot into place: %w", err)
	}
	return nil
}

// LoadMetadataSnapshot reads the snapshot at path, returning
// types.ErrNotFound if it has never been saved.
func LoadMetadataSnapshot(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("store: %w: %s", types.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read metadata snapshot: %w", err)
	}
	return data, nil
}
