package supervisor_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/internal/supervisor"
)

func TestLoadSpawnConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	doc := `
workers:
  media:
    command: /usr/bin/media-worker
    args: ["--gpu"]
    dir: /var/lib/media
    env:
      FOO: bar
  platform:
    command: /usr/bin/platform-worker
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	configs, err := supervisor.LoadSpawnConfigFile(path)
	if err != nil {
		t.Fatalf("LoadSpawnConfigFile: %v", err)
	}

	media, ok := configs[envelope.WorkerMedia]
	if !ok {
		t.Fatalf("expected media config")
	}
	if media.Executable != "/usr/bin/media-worker" || len(media.Args) != 1 || media.Args[0] != "--gpu" {
		t.Errorf("unexpected media config: %+v", media)
	}
	if media.Dir != "/var/lib/media" {
		t.Errorf("expected dir to be set, got %q", media.Dir)
	}
	found := false
	for _, kv := range media.Env {
		if kv == "FOO=bar" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected FOO=bar in env, got %v", media.Env)
	}

	if _, ok := configs[envelope.WorkerPlatform]; !ok {
		t.Errorf("expected platform config")
	}
	if _, ok := configs[envelope.WorkerResolve]; ok {
		t.Errorf("did not expect resolve config")
	}
}

func TestLoadSpawnConfigFileUnknownWorker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	doc := `
workers:
  bogus:
    command: /bin/true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := supervisor.LoadSpawnConfigFile(path); err == nil {
		t.Fatalf("expected error for unknown worker")
	}
}

func TestLoadSpawnConfigFileMissingCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	doc := `
workers:
  media:
    args: ["--gpu"]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := supervisor.LoadSpawnConfigFile(path); err == nil {
		t.Fatalf("expected error for missing command")
	}
}
