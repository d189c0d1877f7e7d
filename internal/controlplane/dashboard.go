package controlplane

import (
	"sort"

	"github.com/ktr0328/orchestrator-core/internal/jobengine"
)

// ActiveStep summarizes a job's single currently-running-or-dispatching
// step, if any.
type ActiveStep struct {
	StepID  string `json:"step_id"`
	Worker  string `json:"worker"`
	Cmd     string `json:"cmd"`
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
}

// JobSnapshot is one row of the dashboard snapshot.
type JobSnapshot struct {
	JobID      string      `json:"job_id"`
	PresetID   string      `json:"preset_id"`
	State      string      `json:"state"`
	CreatedAt  string      `json:"created_at"`
	StartedAt  *string     `json:"started_at"`
	FinishedAt *string     `json:"finished_at"`
	ActiveStep *ActiveStep `json:"active_step"`
	EtaMs      *int64      `json:"eta_ms"`
}

// DashboardSnapshot returns every known job, sorted by created_at desc.
func (cp *ControlPlane) DashboardSnapshot() ([]JobSnapshot, error) {
	jobs, err := cp.store.ListJobs()
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	snapshots := make([]JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		snapshots = append(snapshots, buildJobSnapshot(job))
	}
	return snapshots, nil
}

func buildJobSnapshot(job *jobengine.Job) JobSnapshot {
	snap := JobSnapshot{
		JobID:     job.ID,
		PresetID:  job.PresetID,
		State:     string(job.Status),
		CreatedAt: job.CreatedAt.Format(timeLayout),
	}
	if job.StartedAt != nil {
		s := job.StartedAt.Format(timeLayout)
		snap.StartedAt = &s
	}
	if job.FinishedAt != nil {
		f := job.FinishedAt.Format(timeLayout)
		snap.FinishedAt = &f
	}

	var totalMs int64
	var finishedCount int
	var pendingCount int
	for _, step := range job.Steps {
		switch step.Status {
		case jobengine.StepSucceeded, jobengine.StepFailed, jobengine.StepCanceled:
			if step.StartedAt != nil && step.FinishedAt != nil {
				totalMs += step.FinishedAt.Sub(*step.StartedAt).Milliseconds()
				finishedCount++
			}
		default:
			pendingCount++
		}
		if step.Status == jobengine.StepRunning || step.Status == jobengine.StepDispatching {
			if snap.ActiveStep == nil {
				snap.ActiveStep = &ActiveStep{
					StepID:  step.StepID,
					Worker:  string(step.Worker),
					Cmd:     step.Cmd,
					State:   string(step.Status),
					Attempt: step.Attempt,
				}
			}
		}
	}

	if finishedCount > 0 {
		avg := totalMs / int64(finishedCount)
		eta := avg * int64(pendingCount)
		snap.EtaMs = &eta
	}

	return snap
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
