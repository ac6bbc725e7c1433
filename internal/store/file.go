package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// recordTimeLayout is the filesystem-safe timestamp embedded in record file
// names. Nanosecond precision plus the session ID makes names collision-free,
// and the timestamp prefix makes lexical order equal creation order.
const recordTimeLayout = "20060102T150405.000000000"

// FileStore persists one JSON file per exchange in a flat log directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the log directory if absent and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the record as <timestamp>_<sessionID>.json.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	name := rec.CreatedAt.UTC().Format(recordTimeLayout) + "_" + rec.SessionID + ".json"
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing record file: %w", err)
	}
	return nil
}

// Get looks up a record by its session ID. File names end in
// _<sessionID>.json, so the lookup is a suffix scan over the directory.
func (s *FileStore) Get(_ context.Context, sessionID string) (*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading log directory: %w", err)
	}

	suffix := "_" + sessionID + ".json"
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading record %s: %w", e.Name(), err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding record %s: %w", e.Name(), err)
		}
		return &rec, nil
	}
	return nil, ErrNotFound
}

// ListRecent returns up to limit records ordered by filename descending, which
// equals newest-first because file names start with the creation timestamp.
func (s *FileStore) ListRecent(_ context.Context, limit int) ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading log directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	records := make([]*Record, 0, limit)
	for _, name := range names {
		if len(records) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading record %s: %w", name, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			// Skip malformed entries instead of failing the whole listing.
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)
