package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
)

// Preferences is the persisted, user-editable configuration document.
type Preferences struct {
	RecipeDefaults    map[string]map[string]any `json:"recipe_defaults"`
	WorkerConcurrency map[string]int            `json:"worker_concurrency"`
}

// DefaultPreferences returns the document's baseline values.
func DefaultPreferences() Preferences {
	return Preferences{
		RecipeDefaults: map[string]map[string]any{},
		WorkerConcurrency: map[string]int{
			string(envelope.WorkerResolve):  1,
			string(envelope.WorkerMedia):    2,
			string(envelope.WorkerPlatform): 2,
		},
	}
}

// PreferencesStore persists Preferences as a single JSON file, written
// atomically via a temp-file-then-rename, matching the step cache's
// persistence discipline.
type PreferencesStore struct {
	mu    sync.Mutex
	path  string
	prefs Preferences
}

// NewPreferencesStore loads path, seeding it with defaults if absent.
func NewPreferencesStore(path string) (*PreferencesStore, error) {
	s := &PreferencesStore{path: path, prefs: DefaultPreferences()}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, s.persistLocked()
		}
		return nil, err
	}
	var loaded Preferences
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, err
	}
	if loaded.RecipeDefaults == nil {
		loaded.RecipeDefaults = map[string]map[string]any{}
	}
	if loaded.WorkerConcurrency == nil {
		loaded.WorkerConcurrency = DefaultPreferences().WorkerConcurrency
	}
	s.prefs = loaded
	return s, nil
}

// Get returns a copy of the current preferences document.
func (s *PreferencesStore) Get() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePreferences(s.prefs)
}

// SetRecipeDefaults merges defaults for recipeID into the document.
func (s *PreferencesStore) SetRecipeDefaults(recipeID string, defaults map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs.RecipeDefaults == nil {
		s.prefs.RecipeDefaults = map[string]map[string]any{}
	}
	s.prefs.RecipeDefaults[recipeID] = defaults
	return s.persistLocked()
}

// SetWorkerConcurrency merges a single worker's concurrency into the document.
func (s *PreferencesStore) SetWorkerConcurrency(worker string, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs.WorkerConcurrency == nil {
		s.prefs.WorkerConcurrency = map[string]int{}
	}
	s.prefs.WorkerConcurrency[worker] = n
	return s.persistLocked()
}

func (s *PreferencesStore) persistLocked() error {
	data, err := json.MarshalIndent(s.prefs, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".preferences-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

func clonePreferences(p Preferences) Preferences {
	cp := Preferences{
		RecipeDefaults:    make(map[string]map[string]any, len(p.RecipeDefaults)),
		WorkerConcurrency: make(map[string]int, len(p.WorkerConcurrency)),
	}
	for k, v := range p.RecipeDefaults {
		inner := make(map[string]any, len(v))
		for ik, iv := range v {
			inner[ik] = iv
		}
		cp.RecipeDefaults[k] = inner
	}
	for k, v := range p.WorkerConcurrency {
		cp.WorkerConcurrency[k] = v
	}
	return cp
}
