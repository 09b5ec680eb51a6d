// Package recordcache is the optional persistent cache for query results.
// Values are whole result sets stored under a single key; the staleness
// probe against the remote lives with the caller, which compares the entry's
// mtime with modified-record counts.
package recordcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is the interface the client consumes. TTL strings are human
// durations ("1s", "3d").
type Store interface {
	// Get returns the cached rows for key if present and younger than
	// ttl.
	Get(key, ttl string) (rows []map[string]interface{}, ok bool, err error)
	// Put stores rows under key, replacing any previous value.
	Put(key string, rows []map[string]interface{}) error
	// Mtime returns when key was last written.
	Mtime(key string) (time.Time, bool, error)
}

// FileStore keeps one JSON file per key under a directory. The mtime
// contract is the file's own modification time.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".json")
}

func (s *FileStore) Get(key, ttl string) ([]map[string]interface{}, bool, error) {
	maxAge, err := ParseTTL(ttl)
	if err != nil {
		return nil, false, fmt.Errorf("bad ttl %q: %w", ttl, err)
	}

	path := s.path(key)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Since(info.ModTime()) > maxAge {
		return nil, false, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path derived from hashed key
	if err != nil {
		return nil, false, err
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		// Corrupt entries behave like misses.
		return nil, false, nil
	}
	return rows, true, nil
}

func (s *FileStore) Put(key string, rows []map[string]interface{}) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *FileStore) Mtime(key string) (time.Time, bool, error) {
	info, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

var _ Store = (*FileStore)(nil)
