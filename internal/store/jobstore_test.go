package store_test

import (
	"path/filepath"
	"testing"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/internal/jobengine"
	"github.com/ktr0328/orchestrator-core/internal/store"
)

func newJob(id string) *jobengine.Job {
	return &jobengine.Job{
		ID:     id,
		Status: jobengine.JobQueued,
		Steps: []jobengine.StepState{
			{StepID: "only", Worker: envelope.WorkerMedia, Cmd: "test_cuda", Status: jobengine.StepQueued, Payload: map[string]any{"n": 1.0}},
		},
	}
}

func TestCreateGetUpdateListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewJSONJobStore(filepath.Join(dir, "jobs.log"))
	if err != nil {
		t.Fatalf("NewJSONJobStore: %v", err)
	}
	defer s.Close()

	job := newJob("job-1")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(job); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != "job-1" {
		t.Fatalf("unexpected job returned: %+v", got)
	}

	got.Status = jobengine.JobRunning
	if err := s.UpdateJob(got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	reloaded, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob after update: %v", err)
	}
	if reloaded.Status != jobengine.JobRunning {
		t.Fatalf("expected updated status to persist, got %s", reloaded.Status)
	}

	list, err := s.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 job, got %d", len(list))
	}
}

func TestUpdateUnknownJobFails(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewJSONJobStore(filepath.Join(dir, "jobs.log"))
	if err != nil {
		t.Fatalf("NewJSONJobStore: %v", err)
	}
	defer s.Close()

	if err := s.UpdateJob(newJob("missing")); err == nil {
		t.Fatalf("expected update of unknown job to fail")
	}
}

func TestReopenReplaysLastSnapshotPerJob(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "jobs.log")

	s, err := store.NewJSONJobStore(logPath)
	if err != nil {
		t.Fatalf("NewJSONJobStore: %v", err)
	}
	job := newJob("job-2")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job.Status = jobengine.JobSucceeded
	job.Steps[0].Status = jobengine.StepSucceeded
	if err := s.UpdateJob(job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := store.NewJSONJobStore(logPath)
	if err != nil {
		t.Fatalf("reopen NewJSONJobStore: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetJob("job-2")
	if err != nil {
		t.Fatalf("GetJob after reopen: %v", err)
	}
	if got.Status != jobengine.JobSucceeded {
		t.Fatalf("expected replayed status succeeded, got %s", got.Status)
	}
	if got.Steps[0].Status != jobengine.StepSucceeded {
		t.Fatalf("expected replayed step status succeeded, got %s", got.Steps[0].Status)
	}
}

func TestGetUnknownJobReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewJSONJobStore(filepath.Join(dir, "jobs.log"))
	if err != nil {
		t.Fatalf("NewJSONJobStore: %v", err)
	}
	defer s.Close()

	if _, err := s.GetJob("nope"); err != store.ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
