// Package controlplane exposes the front-end-facing control surface: recipe
// launch/retry, a dashboard snapshot, preferences, and a bounded event
// history.
package controlplane

import (
	"context"
	"fmt"

	"github.com/ktr0328/orchestrator-core/internal/catalog"
	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/internal/jobengine"
	"github.com/ktr0328/orchestrator-core/internal/store"
	"github.com/ktr0328/orchestrator-core/pkg/metrics"
)

// JobLister is the subset of the job store the control plane reads from
// directly (job mutation always goes through the engine).
type JobLister interface {
	GetJob(id string) (*jobengine.Job, error)
	ListJobs() ([]*jobengine.Job, error)
}

// Engine is the subset of jobengine.Engine the control plane depends on.
type Engine interface {
	Submit(ctx context.Context, plan catalog.Plan, input map[string]any) (*jobengine.Job, error)
	CancelJob(jobID, reason string) (bool, string)
	Events() *jobengine.Bus
	SetConcurrency(worker envelope.Worker, n int)
}

// LaunchResult is the response shape for a recipe launch.
type LaunchResult struct {
	JobID    string         `json:"job_id"`
	PresetID string         `json:"preset_id"`
	State    string         `json:"state"`
	Input    map[string]any `json:"input"`
}

// ControlPlane is the single component the HTTP/websocket server talks to.
type ControlPlane struct {
	catalog *catalog.Catalog
	engine  Engine
	store   JobLister
	prefs   *store.PreferencesStore
	history *eventHistory
}

// New wires a control plane around an already-running engine.
func New(cat *catalog.Catalog, engine *jobengine.Engine, jobStore JobLister, prefs *store.PreferencesStore, historySize int) *ControlPlane {
	cp := &ControlPlane{
		catalog: cat,
		engine:  engine,
		store:   jobStore,
		prefs:   prefs,
		history: newEventHistory(historySize),
	}
	cp.applyWorkerConcurrency()

	ch, _ := engine.Events().Subscribe()
	go func() {
		for evt := range ch {
			cp.history.record(evt)
			if evt.Type == jobengine.EventJobState {
				cp.refreshJobStateMetrics()
			}
		}
	}()
	return cp
}

// refreshJobStateMetrics recomputes the active-job-count-by-state gauges
// from the current store contents.
func (cp *ControlPlane) refreshJobStateMetrics() {
	jobs, err := cp.store.ListJobs()
	if err != nil {
		return
	}
	counts := map[string]int{}
	for _, job := range jobs {
		counts[string(job.Status)]++
	}
	for _, status := range []jobengine.JobStatus{
		jobengine.JobQueued, jobengine.JobRunning, jobengine.JobSucceeded, jobengine.JobFailed, jobengine.JobCanceled,
	} {
		metrics.SetJobsActive(string(status), counts[string(status)])
	}
}

func (cp *ControlPlane) applyWorkerConcurrency() {
	prefs := cp.prefs.Get()
	for worker, n := range prefs.WorkerConcurrency {
		cp.engine.SetConcurrency(envelope.Worker(worker), n)
	}
}

// Recipes returns every recipe in the catalog.
func (cp *ControlPlane) Recipes() []catalog.Recipe {
	return cp.catalog.List()
}

// LaunchRecipe merges recipe defaults, saved per-recipe preferences, and
// user input (later layers win), builds a plan, and submits it.
func (cp *ControlPlane) LaunchRecipe(ctx context.Context, recipeID string, input map[string]any, options catalog.BuildOptions) (LaunchResult, error) {
	recipe, ok := cp.catalog.Get(recipeID)
	if !ok {
		return LaunchResult{}, fmt.Errorf("recipe %q not found", recipeID)
	}

	merged := map[string]any{}
	for k, v := range recipe.Defaults {
		merged[k] = v
	}
	prefs := cp.prefs.Get()
	for k, v := range prefs.RecipeDefaults[recipeID] {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}

	plan, err := cp.catalog.BuildPlan(recipeID, merged, options)
	if err != nil {
		return LaunchResult{}, err
	}

	job, err := cp.engine.Submit(ctx, plan, merged)
	if err != nil {
		return LaunchResult{}, err
	}

	return LaunchResult{JobID: job.ID, PresetID: job.PresetID, State: string(job.Status), Input: job.Input}, nil
}

// RetryJob re-launches job_id's recipe with the job's last input, tagging
// the new plan's options with retry_of.
func (cp *ControlPlane) RetryJob(ctx context.Context, jobID string) (LaunchResult, error) {
	job, err := cp.store.GetJob(jobID)
	if err != nil {
		return LaunchResult{}, err
	}
	return cp.LaunchRecipe(ctx, job.PresetID, job.Input, catalog.BuildOptions{RetryOf: jobID})
}

// CancelJob requests cancellation of jobID.
func (cp *ControlPlane) CancelJob(jobID, reason string) (bool, string) {
	return cp.engine.CancelJob(jobID, reason)
}

// Preferences returns the current preferences document.
func (cp *ControlPlane) Preferences() store.Preferences {
	return cp.prefs.Get()
}

// UpdateRecipeDefaults merges defaults for recipeID and persists them.
func (cp *ControlPlane) UpdateRecipeDefaults(recipeID string, defaults map[string]any) error {
	return cp.prefs.SetRecipeDefaults(recipeID, defaults)
}

// UpdateWorkerConcurrency persists worker's concurrency and re-applies it
// to the running engine immediately.
func (cp *ControlPlane) UpdateWorkerConcurrency(worker string, n int) error {
	if err := cp.prefs.SetWorkerConcurrency(worker, n); err != nil {
		return err
	}
	cp.engine.SetConcurrency(envelope.Worker(worker), n)
	return nil
}

// Events returns the most recent events, optionally filtered to one job.
func (cp *ControlPlane) Events(jobID string, limit int) []jobengine.Event {
	return cp.history.list(jobID, limit)
}

// Subscribe registers a new live subscriber on the engine's event bus.
func (cp *ControlPlane) Subscribe() (<-chan jobengine.Event, func()) {
	return cp.engine.Events().Subscribe()
}

// Jobs returns every known job.
func (cp *ControlPlane) Jobs() ([]*jobengine.Job, error) {
	return cp.store.ListJobs()
}

// Job returns one job by id.
func (cp *ControlPlane) Job(jobID string) (*jobengine.Job, error) {
	return cp.store.GetJob(jobID)
}
