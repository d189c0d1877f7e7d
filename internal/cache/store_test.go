package cache_test

import (
	"path/filepath"
	"testing"

	"github.com/ktr0328/orchestrator-core/internal/cache"
)

func TestStoreSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store, err := cache.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := store.Set("fp-1", map[string]any{"ok": true}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, ok := store.Get("fp-1", 0)
	if !ok {
		t.Fatalf("expected entry to be present")
	}
	data, ok := entry.Output.(map[string]any)
	if !ok || data["ok"] != true {
		t.Fatalf("unexpected output: %+v", entry.Output)
	}
}

func TestStoreReloadsPersistedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store, err := cache.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Set("fp-1", "value"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reloaded, err := cache.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	if _, ok := reloaded.Get("fp-1", 0); !ok {
		t.Fatalf("expected entry to survive reload")
	}
}

func TestStoreInvalidateSingle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store, err := cache.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = store.Set("fp-1", "a")
	_ = store.Set("fp-2", "b")

	if err := store.Invalidate("fp-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := store.Get("fp-1", 0); ok {
		t.Fatalf("expected fp-1 removed")
	}
	if _, ok := store.Get("fp-2", 0); !ok {
		t.Fatalf("expected fp-2 to remain")
	}
}

func TestStoreInvalidateAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store, err := cache.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = store.Set("fp-1", "a")
	_ = store.Set("fp-2", "b")

	if err := store.Invalidate(""); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := store.Get("fp-1", 0); ok {
		t.Fatalf("expected all entries removed")
	}
}
