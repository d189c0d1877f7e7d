package jobengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ktr0328/orchestrator-core/internal/cache"
	"github.com/ktr0328/orchestrator-core/internal/catalog"
	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/pkg/logging"
	"github.com/ktr0328/orchestrator-core/pkg/metrics"
)

// JobStore is the minimal persistence contract the engine depends on;
// internal/store provides the durable, append-only-log-backed
// implementation.
type JobStore interface {
	CreateJob(job *Job) error
	UpdateJob(job *Job) error
	GetJob(id string) (*Job, error)
	ListJobs() ([]*Job, error)
}

// WorkerClient is the subset of the supervisor the engine depends on.
type WorkerClient interface {
	SendRequest(ctx context.Context, env envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error)
	Restart(worker envelope.Worker, reason string)
}

type queueItem struct {
	jobID  string
	stepID string
	worker envelope.Worker
}

// Engine is the single-node job scheduler/executor. Step executions run
// concurrently, bounded by per-worker concurrency, but every
// read-modify-write of one job's record happens under that job's lock, so
// two steps of the same job can never clobber each other's transitions.
type Engine struct {
	store   JobStore
	workers WorkerClient
	cache   *cache.Store
	bus     *Bus

	// submitMu serializes Submit so the idempotency check and the job
	// creation form one atomic section.
	submitMu sync.Mutex

	mu          sync.Mutex
	idempotency map[string]string // idempotency_key -> job_id
	jobLocks    map[string]*sync.Mutex
	queues      map[envelope.Worker][]queueItem
	activeCount map[envelope.Worker]int
	concurrency map[envelope.Worker]int
	cancels     map[string]map[string]context.CancelFunc // job_id -> step_id -> cancel
	recipes     *catalog.Catalog
}

// DefaultConcurrency is the default per-worker concurrency.
func DefaultConcurrency() map[envelope.Worker]int {
	return map[envelope.Worker]int{
		envelope.WorkerResolve:  1,
		envelope.WorkerMedia:    2,
		envelope.WorkerPlatform: 2,
	}
}

// New constructs an Engine. cacheStore may be nil to disable step caching.
func New(store JobStore, workers WorkerClient, cacheStore *cache.Store) *Engine {
	return &Engine{
		store:       store,
		workers:     workers,
		cache:       cacheStore,
		bus:         NewBus(),
		idempotency: map[string]string{},
		jobLocks:    map[string]*sync.Mutex{},
		queues:      map[envelope.Worker][]queueItem{},
		activeCount: map[envelope.Worker]int{},
		concurrency: DefaultConcurrency(),
		cancels:     map[string]map[string]context.CancelFunc{},
	}
}

// Events returns the engine's event bus.
func (e *Engine) Events() *Bus { return e.bus }

// lockJob returns the mutex serializing mutations of jobID's record. Jobs
// are never deleted, so lock entries live for the process lifetime.
func (e *Engine) lockJob(jobID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.jobLocks[jobID]
	if !ok {
		mu = &sync.Mutex{}
		e.jobLocks[jobID] = mu
	}
	return mu
}

// SetCatalog wires the recipe catalog used to materialize a succeeded job's
// outputs template at finalization. Outputs are left unset without one.
func (e *Engine) SetCatalog(cat *catalog.Catalog) {
	e.mu.Lock()
	e.recipes = cat
	e.mu.Unlock()
}

// SetConcurrency reconfigures worker concurrency at runtime.
func (e *Engine) SetConcurrency(worker envelope.Worker, n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	e.concurrency[worker] = n
	e.mu.Unlock()
	go e.drain(worker)
}

// Hydrate rebuilds the idempotency index and re-enqueues in-flight jobs
// from the store after a restart.
func (e *Engine) Hydrate() error {
	jobs, err := e.store.ListJobs()
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, job := range jobs {
		if job.IdempotencyKey != "" {
			e.idempotency[job.IdempotencyKey] = job.ID
		}
	}
	e.mu.Unlock()

	for _, job := range jobs {
		if IsTerminal(job.Status) {
			continue
		}
		mu := e.lockJob(job.ID)
		mu.Lock()
		resumed := cloneJob(job)
		for i := range resumed.Steps {
			if resumed.Steps[i].Status == StepRunning || resumed.Steps[i].Status == StepDispatching {
				resumed.Steps[i].Status = StepQueued
				resumed.Steps[i].StartedAt = nil
				resumed.Steps[i].FinishedAt = nil
			}
		}
		err := e.store.UpdateJob(resumed)
		mu.Unlock()
		if err != nil {
			logging.Errorf("hydrate: resume job %s: %v", resumed.ID, err)
			continue
		}
		e.scheduleJob(resumed.ID)
	}
	return nil
}

// Submit creates a job from plan, or returns the existing job when
// plan.IdempotencyKey matches one already known. Submits are serialized so
// two concurrent calls with the same key resolve to a single job.
func (e *Engine) Submit(ctx context.Context, plan catalog.Plan, input map[string]any) (*Job, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if plan.IdempotencyKey != "" {
		e.mu.Lock()
		existingID, ok := e.idempotency[plan.IdempotencyKey]
		e.mu.Unlock()
		if ok {
			return e.store.GetJob(existingID)
		}
	}

	now := time.Now().UTC()
	steps := make([]StepState, len(plan.Steps))
	for i, ps := range plan.Steps {
		steps[i] = StepState{
			StepID:         ps.StepID,
			Worker:         ps.Worker,
			Cmd:            ps.Cmd,
			DependsOn:      ps.DependsOn,
			Payload:        ps.Payload,
			CachePolicy:    ps.CachePolicy,
			OutputContract: ps.OutputContract,
			ToolVersions:   ps.ToolVersions,
			RetryPolicy:    ps.RetryPolicy,
			Status:         StepQueued,
		}
	}

	job := &Job{
		ID:             uuid.NewString(),
		PresetID:       plan.PresetID,
		IdempotencyKey: plan.IdempotencyKey,
		RetryOf:        plan.RetryOf,
		TimeoutMs:      plan.TimeoutMs,
		RetryPolicy:    plan.RetryPolicy,
		Status:         JobQueued,
		Input:          input,
		Steps:          steps,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.store.CreateJob(job); err != nil {
		return nil, err
	}
	if plan.IdempotencyKey != "" {
		e.mu.Lock()
		e.idempotency[plan.IdempotencyKey] = job.ID
		e.mu.Unlock()
	}

	e.bus.Publish(Event{Type: EventJobState, JobID: job.ID, State: string(JobQueued)})
	e.scheduleJob(job.ID)
	return e.store.GetJob(job.ID)
}

// CancelJob requests cancellation of jobID.
func (e *Engine) CancelJob(jobID, reason string) (bool, string) {
	mu := e.lockJob(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := e.store.GetJob(jobID)
	if err != nil {
		return false, "job not found"
	}
	if IsTerminal(job.Status) {
		return true, "cancellation requested"
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	now := time.Now().UTC()
	for i := range job.Steps {
		step := &job.Steps[i]
		switch step.Status {
		case StepQueued, StepDispatching:
			step.Status = StepCanceled
			step.FinishedAt = &now
			step.CancellationRequested = true
		case StepRunning:
			step.CancellationRequested = true
			e.cancelRunningStep(job.ID, step.StepID)
			e.scheduleForcedKill(job.ID, step.StepID, step.Worker)
		}
	}
	_ = e.store.UpdateJob(job)
	e.finalizeLocked(job)
	return true, "cancellation requested"
}

// scheduleForcedKill restarts step's worker ~1 second after a cancellation
// request, since the worker has no cooperative cancellation channel.
func (e *Engine) scheduleForcedKill(jobID, stepID string, worker envelope.Worker) {
	time.AfterFunc(time.Second, func() {
		e.workers.Restart(worker, fmt.Sprintf("forced kill for cancelled step %s/%s", jobID, stepID))
	})
}

// scheduleJob advances job towards running and fills the per-worker queues
// with every currently-runnable step, then drains every touched queue. The
// whole pass, finalization included, runs under the job's lock.
func (e *Engine) scheduleJob(jobID string) {
	mu := e.lockJob(jobID)
	mu.Lock()

	job, err := e.store.GetJob(jobID)
	if err != nil || IsTerminal(job.Status) {
		mu.Unlock()
		return
	}

	touched := map[envelope.Worker]bool{}
	changed := false

	for i := range job.Steps {
		step := &job.Steps[i]
		if step.Status != StepQueued {
			continue
		}
		if !dependenciesSatisfied(*step, job.Steps) {
			continue
		}

		if hit, output := e.tryCacheHit(*step); hit {
			step.Status = StepSucceeded
			step.Attempt = 0
			step.Output = output
			now := time.Now().UTC()
			step.StartedAt = &now
			step.FinishedAt = &now
			changed = true
			e.bus.Publish(Event{Type: EventStepProgress, JobID: job.ID, StepID: step.StepID, Worker: step.Worker, State: string(StepSucceeded)})
			continue
		}

		step.Status = StepDispatching
		changed = true
		e.mu.Lock()
		e.queues[step.Worker] = append(e.queues[step.Worker], queueItem{jobID: job.ID, stepID: step.StepID, worker: step.Worker})
		e.mu.Unlock()
		touched[step.Worker] = true
	}

	if job.Status == JobQueued {
		now := time.Now().UTC()
		job.Status = JobRunning
		job.StartedAt = &now
		changed = true
		e.bus.Publish(Event{Type: EventJobState, JobID: job.ID, State: string(JobRunning)})
	}

	if changed {
		job.UpdatedAt = time.Now().UTC()
		_ = e.store.UpdateJob(job)
	}
	e.finalizeLocked(job)
	mu.Unlock()

	for worker := range touched {
		go e.drain(worker)
	}
}

func dependenciesSatisfied(step StepState, all []StepState) bool {
	for _, dep := range step.DependsOn {
		found := false
		for _, other := range all {
			if other.StepID == dep {
				found = true
				if other.Status != StepSucceeded {
					return false
				}
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *Engine) tryCacheHit(step StepState) (bool, any) {
	if e.cache == nil || !cachePolicyEnabled(step.CachePolicy) {
		return false, nil
	}
	fp, err := cache.Fingerprint(cache.Inputs{Command: step.Cmd, Payload: step.Payload, ToolVersions: step.ToolVersions})
	if err != nil {
		return false, nil
	}
	ttl := cachePolicyTTL(step.CachePolicy)
	entry, ok := e.cache.Get(fp, ttl)
	if !ok {
		return false, nil
	}
	if err := cache.ValidateOutput(cache.ContractKind(step.OutputContract), entry.Output); err != nil {
		return false, nil
	}
	return true, entry.Output
}

func cachePolicyEnabled(policy map[string]any) bool {
	if policy == nil {
		return false
	}
	enabled, _ := policy["enabled"].(bool)
	return enabled
}

func cachePolicyTTL(policy map[string]any) int64 {
	if policy == nil {
		return 0
	}
	switch v := policy["ttl_ms"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// drain pops queue items for worker while active_count[worker] < its
// configured concurrency, launching each step's execution concurrently.
func (e *Engine) drain(worker envelope.Worker) {
	for {
		e.mu.Lock()
		limit := e.concurrency[worker]
		if limit <= 0 {
			limit = 1
		}
		if e.activeCount[worker] >= limit || len(e.queues[worker]) == 0 {
			e.mu.Unlock()
			return
		}
		item := e.queues[worker][0]
		e.queues[worker] = e.queues[worker][1:]
		e.activeCount[worker]++
		e.mu.Unlock()

		go e.runStep(item)
	}
}

func (e *Engine) releaseActive(item queueItem) {
	e.mu.Lock()
	if e.activeCount[item.worker] > 0 {
		e.activeCount[item.worker]--
	}
	e.mu.Unlock()
}

// runStep executes one step end to end. The queued -> running transition
// happens under the job's lock; the lock is released while waiting on the
// worker, and completeStep re-acquires it to apply the outcome.
func (e *Engine) runStep(item queueItem) {
	mu := e.lockJob(item.jobID)
	mu.Lock()

	job, err := e.store.GetJob(item.jobID)
	if err != nil {
		mu.Unlock()
		e.releaseActive(item)
		return
	}
	idx := job.StepIndex(item.stepID)
	if idx == -1 {
		mu.Unlock()
		e.releaseActive(item)
		return
	}
	step := &job.Steps[idx]
	worker := step.Worker

	if step.Status != StepDispatching {
		mu.Unlock()
		e.releaseActive(item)
		go e.drain(worker)
		return
	}

	now := time.Now().UTC()
	step.Status = StepRunning
	step.Attempt++
	step.StartedAt = &now
	_ = e.store.UpdateJob(job)
	mu.Unlock()
	e.bus.Publish(Event{Type: EventStepProgress, JobID: job.ID, StepID: step.StepID, Worker: worker, State: string(StepRunning)})

	traceID := fmt.Sprintf("%s:%s:%d", job.ID, step.StepID, step.Attempt)
	reqEnv := envelope.RequestEnvelope{
		ID:      uuid.NewString(),
		Worker:  worker,
		Cmd:     step.Cmd,
		Payload: step.Payload,
		TraceID: traceID,
	}
	if verr := envelope.ValidateRequestEnvelope(reqEnv); verr != nil {
		e.completeStep(item.jobID, item.stepID, nil, verr)
		e.releaseActive(item)
		go e.drain(worker)
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if job.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMs)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	e.registerStepCancel(job.ID, step.StepID, cancel)

	started := time.Now()
	resp, sendErr := e.workers.SendRequest(ctx, reqEnv)
	cancel()
	e.clearStepCancel(job.ID, step.StepID)
	duration := time.Since(started)
	metrics.ObserveStepRun(string(worker), step.Cmd, duration)

	e.completeStep(item.jobID, item.stepID, resp, sendErr)
	e.releaseActive(item)
	go e.drain(worker)
}

// completeStep applies the outcome of a worker round-trip to the step and
// re-runs scheduling for the job.
func (e *Engine) completeStep(jobID, stepID string, resp *envelope.ResponseEnvelope, sendErr error) {
	mu := e.lockJob(jobID)
	mu.Lock()

	job, err := e.store.GetJob(jobID)
	if err != nil {
		mu.Unlock()
		return
	}
	idx := job.StepIndex(stepID)
	if idx == -1 {
		mu.Unlock()
		return
	}
	step := &job.Steps[idx]
	now := time.Now().UTC()
	step.FinishedAt = &now

	var stepErr *envelope.Error
	var output any
	if sendErr != nil {
		if envErr, ok := sendErr.(*envelope.Error); ok {
			stepErr = envErr
		} else {
			stepErr = envelope.NewRetryableError("%s", sendErr.Error())
		}
	} else if resp != nil {
		output = resp.Data
		if err := cache.ValidateOutput(cache.ContractKind(step.OutputContract), output); err != nil {
			stepErr = envelope.NewRetryableError("output contract violation: %v", err)
		}
	} else {
		stepErr = envelope.NewRetryableError("worker produced no response")
	}

	requeued := false
	if stepErr == nil {
		step.Status = StepSucceeded
		step.Output = output
		step.Error = nil
		if e.cache != nil && cachePolicyEnabled(step.CachePolicy) {
			if fp, err := cache.Fingerprint(cache.Inputs{Command: step.Cmd, Payload: step.Payload, ToolVersions: step.ToolVersions}); err == nil {
				_ = e.cache.Set(fp, output)
			}
		}
		e.bus.Publish(Event{
			Type: EventStepProgress, JobID: job.ID, StepID: step.StepID, Worker: step.Worker,
			State: string(StepSucceeded), Output: output, TimingMs: stepTimingMs(step),
		})
	} else {
		metrics.ObserveStepError(string(step.Worker), string(stepErr.Category))
		maxAttempts := 1
		if step.RetryPolicy != nil && step.RetryPolicy.MaxAttempts > 0 {
			maxAttempts = step.RetryPolicy.MaxAttempts
		}
		switch {
		case step.CancellationRequested:
			step.Status = StepCanceled
			step.Error = envelope.NewFatalError("canceled")
		case stepErr.IsRetryable() && step.Attempt < maxAttempts:
			step.Status = StepQueued
			step.Error = stepErr
			requeued = true
		default:
			step.Status = StepFailed
			step.Error = stepErr
			job.Errors = append(job.Errors, *stepErr)
		}
		e.bus.Publish(Event{
			Type: EventStepProgress, JobID: job.ID, StepID: step.StepID, Worker: step.Worker,
			State: string(step.Status), Error: stepErr, TimingMs: stepTimingMs(step),
		})
	}

	job.UpdatedAt = time.Now().UTC()
	_ = e.store.UpdateJob(job)
	attempt := step.Attempt
	mu.Unlock()

	if requeued {
		time.AfterFunc(retryBackoff(attempt), func() { e.scheduleJob(jobID) })
		return
	}
	e.scheduleJob(jobID)
}

// retryBackoff spaces out re-dispatch of a requeued step.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 250 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func stepTimingMs(step *StepState) int64 {
	if step.StartedAt == nil || step.FinishedAt == nil {
		return 0
	}
	return step.FinishedAt.Sub(*step.StartedAt).Milliseconds()
}

// finalizeLocked decides job-level terminal status at the end of a
// scheduling pass. The caller holds the job's lock and passes the record it
// has already loaded and persisted. Already-terminal jobs are never
// re-finalized.
func (e *Engine) finalizeLocked(job *Job) {
	if IsTerminal(job.Status) {
		return
	}

	anyFailed, anyCanceled, allSucceeded := false, false, true
	for _, step := range job.Steps {
		switch step.Status {
		case StepFailed:
			anyFailed = true
		case StepCanceled:
			anyCanceled = true
		}
		if step.Status != StepSucceeded {
			allSucceeded = false
		}
	}

	var terminal JobStatus
	switch {
	case anyFailed:
		terminal = JobFailed
	case anyCanceled:
		terminal = JobCanceled
	case allSucceeded:
		terminal = JobSucceeded
	default:
		return
	}

	now := time.Now().UTC()
	job.Status = terminal
	job.FinishedAt = &now
	job.UpdatedAt = now
	if terminal == JobSucceeded {
		job.Outputs = e.materializeOutputs(job)
	}
	_ = e.store.UpdateJob(job)

	e.mu.Lock()
	delete(e.cancels, job.ID)
	e.mu.Unlock()

	var timingMs int64
	if job.StartedAt != nil {
		timingMs = now.Sub(*job.StartedAt).Milliseconds()
	}
	e.bus.Publish(Event{Type: EventJobState, JobID: job.ID, State: string(terminal), TimingMs: timingMs})
}

// materializeOutputs interpolates the job's recipe outputs template against
// its finished steps' outputs. Returns nil if no catalog is wired or the
// recipe is no longer known.
func (e *Engine) materializeOutputs(job *Job) any {
	e.mu.Lock()
	cat := e.recipes
	e.mu.Unlock()
	if cat == nil {
		return nil
	}
	stepOutputs := make(map[string]any, len(job.Steps))
	for _, step := range job.Steps {
		if step.Status == StepSucceeded {
			stepOutputs[step.StepID] = step.Output
		}
	}
	outputs, err := cat.MaterializeOutputs(job.PresetID, stepOutputs)
	if err != nil {
		return nil
	}
	return outputs
}

func (e *Engine) registerStepCancel(jobID, stepID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancels[jobID] == nil {
		e.cancels[jobID] = map[string]context.CancelFunc{}
	}
	e.cancels[jobID][stepID] = cancel
}

// cancelRunningStep cancels the in-flight request context for a running
// step, if one is registered, so SendRequest returns promptly instead of
// waiting out the full timeout. This is cooperative best-effort only: the
// worker process itself keeps running the command until the forced-kill
// restart lands.
func (e *Engine) cancelRunningStep(jobID, stepID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID][stepID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) clearStepCancel(jobID, stepID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.cancels[jobID]; ok {
		delete(m, stepID)
	}
}

// HealthCheckAll is a convenience used by cmd/orchestrator at startup to
// confirm every worker can be reached before accepting submissions.
func (e *Engine) HealthCheckAll(ctx context.Context, workers []envelope.Worker) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			_, err := e.workers.SendRequest(gctx, envelope.RequestEnvelope{
				ID: uuid.NewString(), Worker: w, Cmd: envelope.PingCommand, Payload: map[string]any{},
			})
			return err
		})
	}
	return g.Wait()
}
