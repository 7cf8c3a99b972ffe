// Package file provides a JSON-file implementation of credential.SnapshotStore.
// Writes are atomic: the snapshot is written to a temp file in the same
// directory and renamed into place.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sitzung-dev/sitzung/pkg/credential"
)

// Store persists pool snapshots to a single JSON file.
type Store struct {
	path string
}

var _ credential.SnapshotStore = (*Store)(nil)

// New creates a file store at path, creating parent directories as needed.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("file store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// SaveSnapshot writes the snapshot atomically. Credentials land on disk, so
// the file is created with owner-only permissions.
func (s *Store) SaveSnapshot(_ context.Context, snap *credential.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the last persisted snapshot. A missing file is not an
// error; it returns (nil, nil) so a fresh pool starts empty.
func (s *Store) LoadSnapshot(_ context.Context) (*credential.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap credential.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &snap, nil
}

// Close is a no-op; the store holds no open handles between calls.
func (s *Store) Close() error { return nil }
