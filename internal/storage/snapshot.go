package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"voltcore/internal/session"
)

// FileSnapshot persists the recent-transaction list to a flat JSON file so
// a restart does not lose recent history.
type FileSnapshot struct {
	mu   sync.Mutex
	path string
}

// NewFileSnapshot builds a snapshot store at path.
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

// Load reads the snapshot. A missing file yields an empty list.
func (f *FileSnapshot) Load() ([]session.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: read snapshot: %w", err)
	}

	var list []session.Transaction
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("storage: decode snapshot: %w", err)
	}
	return list, nil
}

// Save writes the snapshot atomically (temp file + rename).
func (f *FileSnapshot) Save(list []session.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".recent-*.json")
	if err != nil {
		return fmt.Errorf("storage: create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: replace snapshot: %w", err)
	}
	return nil
}
