package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists cache snapshots between process runs.
type Store interface {
	// Load returns every persisted entry. Callers filter expired ones.
	Load(ctx context.Context) ([]Entry, error)

	// Save replaces the persisted snapshot with entries.
	Save(ctx context.Context, entries []Entry) error
}

// DefaultCacheFile is the backing file used when none is configured.
const DefaultCacheFile = ".cache/etsy-listing-counts.json"

// FileStore keeps the snapshot as a JSON array in a single file that is
// rewritten wholesale on every save.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store. An empty path selects
// DefaultCacheFile.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultCacheFile
	}
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields no entries and no error.
func (s *FileStore) Load(_ context.Context) ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode cache file %s: %w", s.path, err)
	}
	return entries, nil
}

// Save writes entries to a temp file next to the target and renames it into
// place so readers never observe a half-written snapshot.
func (s *FileStore) Save(_ context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entries: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
