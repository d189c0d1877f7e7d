package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ktr0328/orchestrator-core/pkg/metrics"
)

// Entry is one cached step result.
type Entry struct {
	CreatedAt time.Time `json:"created_at"`
	Output    any       `json:"output"`
}

// document is the single persisted JSON document backing the store.
type document struct {
	Entries map[string]Entry `json:"entries"`
}

// Store is a persisted, fingerprint-keyed cache of step results. It
// persists atomically to a single file.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// NewStore loads (or initializes) the cache document at path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, doc: document{Entries: map[string]Entry{}}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, err
	}
	if s.doc.Entries == nil {
		s.doc.Entries = map[string]Entry{}
	}
	return s, nil
}

// Get returns the entry for fingerprint if present and, when ttlMs > 0, not
// expired.
func (s *Store) Get(fingerprint string, ttlMs int64) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.doc.Entries[fingerprint]
	if !ok {
		metrics.ObserveCacheLookup(false)
		return Entry{}, false
	}
	if ttlMs > 0 {
		expiry := entry.CreatedAt.Add(time.Duration(ttlMs) * time.Millisecond)
		if time.Now().After(expiry) {
			metrics.ObserveCacheLookup(false)
			return Entry{}, false
		}
	}
	metrics.ObserveCacheLookup(true)
	return entry, true
}

// Set records output under fingerprint and persists the store.
func (s *Store) Set(fingerprint string, output any) error {
	s.mu.Lock()
	s.doc.Entries[fingerprint] = Entry{CreatedAt: time.Now().UTC(), Output: output}
	s.mu.Unlock()
	return s.persist()
}

// Invalidate removes the entry for fingerprint, or every entry when
// fingerprint is empty, and persists the store.
func (s *Store) Invalidate(fingerprint string) error {
	s.mu.Lock()
	if fingerprint == "" {
		s.doc.Entries = map[string]Entry{}
	} else {
		delete(s.doc.Entries, fingerprint)
	}
	s.mu.Unlock()
	return s.persist()
}

// persist writes the document atomically: serialize, write to a temp file
// in the same directory, then rename over the target.
func (s *Store) persist() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
