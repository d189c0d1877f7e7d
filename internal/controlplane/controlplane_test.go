package controlplane_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ktr0328/orchestrator-core/internal/catalog"
	"github.com/ktr0328/orchestrator-core/internal/controlplane"
	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/internal/jobengine"
	"github.com/ktr0328/orchestrator-core/internal/store"
)

const testCatalog = `[
  {
    "id": "transcribe_folder",
    "version": "1",
    "defaults": {"use_gpu": false},
    "steps": [
      {"id": "only", "worker": "media", "command": "transcribe_folder",
       "payload": {"folder_path": "${input.folder_path}", "use_gpu": "${input.use_gpu}"}}
    ]
  }
]`

type fakeWorkerClient struct{}

func (fakeWorkerClient) SendRequest(ctx context.Context, env envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
	return &envelope.ResponseEnvelope{ID: env.ID, OK: true, Data: map[string]any{"ok": true}}, nil
}
func (fakeWorkerClient) Restart(worker envelope.Worker, reason string) {}

func newTestControlPlane(t *testing.T) (*controlplane.ControlPlane, *store.JSONJobStore) {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}

	jobStore, err := store.NewJSONJobStore(filepath.Join(dir, "jobs.log"))
	if err != nil {
		t.Fatalf("NewJSONJobStore: %v", err)
	}
	t.Cleanup(func() { jobStore.Close() })

	prefs, err := store.NewPreferencesStore(filepath.Join(dir, "prefs.json"))
	if err != nil {
		t.Fatalf("NewPreferencesStore: %v", err)
	}

	engine := jobengine.New(jobStore, fakeWorkerClient{}, nil)
	cp := controlplane.New(cat, engine, jobStore, prefs, 100)
	return cp, jobStore
}

func waitDashboardState(t *testing.T, cp *controlplane.ControlPlane, jobID, want string) controlplane.JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snaps, err := cp.DashboardSnapshot()
		if err != nil {
			t.Fatalf("DashboardSnapshot: %v", err)
		}
		for _, s := range snaps {
			if s.JobID == jobID && s.State == want {
				return s
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to reach state %s", jobID, want)
	return controlplane.JobSnapshot{}
}

func TestLaunchRecipeMergesDefaultsAndSubmits(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	result, err := cp.LaunchRecipe(context.Background(), "transcribe_folder", map[string]any{"folder_path": "/media/a"}, catalog.BuildOptions{})
	if err != nil {
		t.Fatalf("LaunchRecipe: %v", err)
	}
	if result.PresetID != "transcribe_folder" {
		t.Fatalf("unexpected preset id %q", result.PresetID)
	}
	if result.Input["use_gpu"] != false {
		t.Fatalf("expected recipe default use_gpu=false to be merged in, got %+v", result.Input)
	}

	waitDashboardState(t, cp, result.JobID, "succeeded")
}

func TestRetryJobCarriesForwardLastInput(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	first, err := cp.LaunchRecipe(context.Background(), "transcribe_folder", map[string]any{"folder_path": "/media/b"}, catalog.BuildOptions{})
	if err != nil {
		t.Fatalf("LaunchRecipe: %v", err)
	}
	waitDashboardState(t, cp, first.JobID, "succeeded")

	retried, err := cp.RetryJob(context.Background(), first.JobID)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if retried.Input["folder_path"] != "/media/b" {
		t.Fatalf("expected retried job to carry forward folder_path, got %+v", retried.Input)
	}
	if retried.JobID == first.JobID {
		t.Fatalf("expected a new job id for the retry")
	}
}

func TestUpdateWorkerConcurrencyPersists(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	if err := cp.UpdateWorkerConcurrency("media", 4); err != nil {
		t.Fatalf("UpdateWorkerConcurrency: %v", err)
	}
	if got := cp.Preferences().WorkerConcurrency["media"]; got != 4 {
		t.Fatalf("expected persisted concurrency 4, got %d", got)
	}
}

func TestDashboardSnapshotSortsByCreatedAtDesc(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	first, err := cp.LaunchRecipe(context.Background(), "transcribe_folder", map[string]any{"folder_path": "/a"}, catalog.BuildOptions{})
	if err != nil {
		t.Fatalf("LaunchRecipe: %v", err)
	}
	waitDashboardState(t, cp, first.JobID, "succeeded")

	second, err := cp.LaunchRecipe(context.Background(), "transcribe_folder", map[string]any{"folder_path": "/b"}, catalog.BuildOptions{})
	if err != nil {
		t.Fatalf("LaunchRecipe: %v", err)
	}
	waitDashboardState(t, cp, second.JobID, "succeeded")

	snaps, err := cp.DashboardSnapshot()
	if err != nil {
		t.Fatalf("DashboardSnapshot: %v", err)
	}
	if len(snaps) < 2 {
		t.Fatalf("expected at least 2 jobs, got %d", len(snaps))
	}
	if snaps[0].JobID != second.JobID {
		t.Fatalf("expected most recently created job first, got %s", snaps[0].JobID)
	}
}

func TestEventsFilterByJobID(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	first, err := cp.LaunchRecipe(context.Background(), "transcribe_folder", map[string]any{"folder_path": "/a"}, catalog.BuildOptions{})
	if err != nil {
		t.Fatalf("LaunchRecipe: %v", err)
	}
	waitDashboardState(t, cp, first.JobID, "succeeded")

	deadline := time.Now().Add(time.Second)
	var events []jobengine.Event
	for time.Now().Before(deadline) {
		events = cp.Events(first.JobID, 0)
		if len(events) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) == 0 {
		t.Fatalf("expected at least one recorded event for job %s", first.JobID)
	}
	for _, evt := range events {
		if evt.JobID != first.JobID {
			t.Fatalf("expected only events for job %s, got one for %s", first.JobID, evt.JobID)
		}
	}
}
