package cache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ktr0328/orchestrator-core/internal/cache"
)

func TestFingerprintStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(file, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	in := cache.Inputs{
		Command: "transcribe_folder",
		Payload: map[string]any{
			"folder_path": dir,
			"use_gpu":     true,
		},
		ToolVersions: map[string]string{"engine": "whisper-2"},
	}

	first, err := cache.Fingerprint(in)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	second, err := cache.Fingerprint(in)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical fingerprint, got %s != %s", first, second)
	}
}

func TestFingerprintChangesWithPayload(t *testing.T) {
	base := cache.Inputs{Command: "transcribe", Payload: map[string]any{"file": "/tmp/missing.wav"}}
	other := cache.Inputs{Command: "transcribe", Payload: map[string]any{"file": "/tmp/other.wav"}}

	a, err := cache.Fingerprint(base)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := cache.Fingerprint(other)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a == b {
		t.Fatalf("expected different fingerprints for different payloads")
	}
}

func TestSignatureMissingPathIsDistinguishable(t *testing.T) {
	sig := cache.Signature("/does/not/exist")
	if sig.Exists {
		t.Fatalf("expected Exists=false for missing path")
	}
}

func TestSignatureDirectoryRecurses(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	sig := cache.Signature(dir)
	if !sig.Exists || len(sig.Children) != 2 {
		t.Fatalf("expected directory signature with 2 children, got %+v", sig)
	}
	if sig.Children[0].Path > sig.Children[1].Path {
		t.Fatalf("expected children sorted by path")
	}
}
