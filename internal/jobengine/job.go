// Package jobengine schedules and executes the steps of a submitted plan
// against the worker supervisor, enforcing per-worker concurrency, retries,
// timeouts, cancellation, and durable resumability.
package jobengine

import (
	"time"

	"github.com/ktr0328/orchestrator-core/internal/catalog"
	"github.com/ktr0328/orchestrator-core/internal/envelope"
)

// StepStatus is the lifecycle state of one step within a job.
type StepStatus string

const (
	StepQueued      StepStatus = "queued"
	StepDispatching StepStatus = "dispatching"
	StepRunning     StepStatus = "running"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCanceled    StepStatus = "canceled"
)

// JobStatus is the lifecycle state of a whole job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// StepState tracks one step's execution within a job.
type StepState struct {
	StepID                string                `json:"step_id"`
	Worker                envelope.Worker       `json:"worker"`
	Cmd                   string                `json:"cmd"`
	DependsOn             []string              `json:"depends_on,omitempty"`
	Payload               map[string]any        `json:"payload,omitempty"`
	CachePolicy           map[string]any        `json:"cache_policy,omitempty"`
	OutputContract        string                `json:"output_contract,omitempty"`
	ToolVersions          map[string]string     `json:"tool_versions,omitempty"`
	RetryPolicy           *catalog.RetryPolicy  `json:"retry_policy,omitempty"`
	Status                StepStatus            `json:"state"`
	Attempt               int                   `json:"attempt"`
	CancellationRequested bool                  `json:"cancellation_requested"`
	Output                any                   `json:"output,omitempty"`
	Error                 *envelope.Error       `json:"error,omitempty"`
	StartedAt             *time.Time            `json:"started_at,omitempty"`
	FinishedAt            *time.Time            `json:"finished_at,omitempty"`
}

// Job is one submitted, in-flight or completed recipe execution.
type Job struct {
	ID             string               `json:"job_id"`
	PresetID       string               `json:"preset_id"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	TimeoutMs      int                  `json:"timeout_ms,omitempty"`
	RetryPolicy    *catalog.RetryPolicy `json:"retry_policy,omitempty"`
	Status         JobStatus            `json:"state"`
	Input          map[string]any       `json:"input,omitempty"`
	Steps          []StepState          `json:"steps"`
	Outputs        any                  `json:"outputs,omitempty"`
	Errors         []envelope.Error     `json:"errors,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	FinishedAt     *time.Time           `json:"finished_at,omitempty"`
	RetryOf        string               `json:"retry_of,omitempty"`
}

// StepIndex returns the index of the step with the given id, or -1.
func (j *Job) StepIndex(stepID string) int {
	for i := range j.Steps {
		if j.Steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether status is one of the job's terminal states.
func IsTerminal(status JobStatus) bool {
	switch status {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// cloneJob copies job, its steps, and their top-level maps, slices and
// timestamps. Values nested inside those maps, and Outputs, are shared with
// the original.
func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	cp := *job
	if job.Steps != nil {
		cp.Steps = make([]StepState, len(job.Steps))
		for i, step := range job.Steps {
			cp.Steps[i] = cloneStepState(step)
		}
	}
	if job.Errors != nil {
		cp.Errors = append([]envelope.Error(nil), job.Errors...)
	}
	if job.Input != nil {
		cp.Input = cloneMap(job.Input)
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		cp.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func cloneStepState(step StepState) StepState {
	cp := step
	if step.DependsOn != nil {
		cp.DependsOn = append([]string(nil), step.DependsOn...)
	}
	if step.Payload != nil {
		cp.Payload = cloneMap(step.Payload)
	}
	if step.CachePolicy != nil {
		cp.CachePolicy = cloneMap(step.CachePolicy)
	}
	if step.ToolVersions != nil {
		tv := make(map[string]string, len(step.ToolVersions))
		for k, v := range step.ToolVersions {
			tv[k] = v
		}
		cp.ToolVersions = tv
	}
	if step.StartedAt != nil {
		t := *step.StartedAt
		cp.StartedAt = &t
	}
	if step.FinishedAt != nil {
		t := *step.FinishedAt
		cp.FinishedAt = &t
	}
	if out, ok := step.Output.(map[string]any); ok {
		cp.Output = cloneMap(out)
	}
	return cp
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
