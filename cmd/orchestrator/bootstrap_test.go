package main

import (
	"os"
	"testing"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
)

func TestWorkerConfigFromEnvMissing(t *testing.T) {
	t.Setenv("ORCHESTRATOR_MEDIA_WORKER_CMD", "")
	if _, ok := workerConfigFromEnv(envelope.WorkerMedia); ok {
		t.Fatalf("expected missing cmd to disable worker config")
	}
}

func TestWorkerConfigFromEnvConfigured(t *testing.T) {
	t.Setenv("ORCHESTRATOR_MEDIA_WORKER_CMD", "/usr/bin/media-worker")
	t.Setenv("ORCHESTRATOR_MEDIA_WORKER_ARGS", "--cuda --verbose")
	t.Setenv("ORCHESTRATOR_MEDIA_WORKER_DIR", "/srv/media")

	cfg, ok := workerConfigFromEnv(envelope.WorkerMedia)
	if !ok {
		t.Fatalf("expected worker config to be built")
	}
	if cfg.Executable != "/usr/bin/media-worker" {
		t.Fatalf("unexpected executable: %s", cfg.Executable)
	}
	if len(cfg.Args) != 2 || cfg.Args[0] != "--cuda" || cfg.Args[1] != "--verbose" {
		t.Fatalf("unexpected args: %v", cfg.Args)
	}
	if cfg.Dir != "/srv/media" {
		t.Fatalf("unexpected dir: %s", cfg.Dir)
	}
}

func TestBuildWorkerConfigsSkipsUnconfigured(t *testing.T) {
	t.Setenv("ORCHESTRATOR_RESOLVE_WORKER_CMD", "/usr/bin/resolve-worker")
	t.Setenv("ORCHESTRATOR_MEDIA_WORKER_CMD", "")
	t.Setenv("ORCHESTRATOR_PLATFORM_WORKER_CMD", "")
	t.Setenv("ORCHESTRATOR_WORKERS_CONFIG", "")

	configs, err := buildWorkerConfigs()
	if err != nil {
		t.Fatalf("buildWorkerConfigs: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("expected exactly one configured worker, got %d", len(configs))
	}
	if _, ok := configs[envelope.WorkerResolve]; !ok {
		t.Fatalf("expected resolve worker to be configured")
	}
}

func TestBuildWorkerConfigsFileOverridesEnv(t *testing.T) {
	t.Setenv("ORCHESTRATOR_RESOLVE_WORKER_CMD", "/usr/bin/resolve-worker")
	t.Setenv("ORCHESTRATOR_MEDIA_WORKER_CMD", "/usr/bin/env-media-worker")
	t.Setenv("ORCHESTRATOR_PLATFORM_WORKER_CMD", "")

	dir := t.TempDir()
	path := dir + "/workers.yaml"
	doc := "workers:\n  media:\n    command: /usr/bin/media-worker\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ORCHESTRATOR_WORKERS_CONFIG", path)

	configs, err := buildWorkerConfigs()
	if err != nil {
		t.Fatalf("buildWorkerConfigs: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected two configured workers, got %d", len(configs))
	}
	if configs[envelope.WorkerMedia].Executable != "/usr/bin/media-worker" {
		t.Fatalf("expected file config to supply media worker, got %+v", configs[envelope.WorkerMedia])
	}
}

func TestHistorySizeDefaultsOnInvalid(t *testing.T) {
	t.Setenv("ORCHESTRATOR_EVENT_HISTORY_SIZE", "not-a-number")
	if got := historySize(); got != defaultHistorySz {
		t.Fatalf("expected default history size, got %d", got)
	}
}

func TestHistorySizeParsesValid(t *testing.T) {
	t.Setenv("ORCHESTRATOR_EVENT_HISTORY_SIZE", "500")
	if got := historySize(); got != 500 {
		t.Fatalf("expected 500, got %d", got)
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("ORCHESTRATOR_ADDR", "")
	if got := getenvDefault("ORCHESTRATOR_ADDR", defaultAddr); got != defaultAddr {
		t.Fatalf("expected fallback, got %s", got)
	}

	t.Setenv("ORCHESTRATOR_ADDR", ":9999")
	if got := getenvDefault("ORCHESTRATOR_ADDR", defaultAddr); got != ":9999" {
		t.Fatalf("expected env override, got %s", got)
	}
}
