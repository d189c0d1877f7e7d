// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stepDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_step_dispatch_total",
		Help: "Number of steps dispatched to a worker, labeled by worker and command.",
	}, []string{"worker", "cmd"})

	stepRunLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_step_run_latency_ms",
		Help:    "Step run latency in milliseconds, labeled by worker and command.",
		Buckets: prometheus.ExponentialBuckets(10, 2, 14),
	}, []string{"worker", "cmd"})

	stepErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_step_errors_total",
		Help: "Number of step failures, labeled by worker and error category.",
	}, []string{"worker", "category"})

	workerRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_worker_restarts_total",
		Help: "Number of times a worker process was restarted, labeled by worker and reason.",
	}, []string{"worker", "reason"})

	cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_step_cache_lookups_total",
		Help: "Step cache lookups, labeled by hit/miss.",
	}, []string{"result"})

	jobsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_jobs_active",
		Help: "Number of known jobs in each state, labeled by state.",
	}, []string{"state"})
)

// Registry is the process-wide collector registry; exposed (rather than
// relying on the default registry) so tests can assert against it directly.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(stepDispatchTotal, stepRunLatency, stepErrorsTotal, workerRestartsTotal, cacheLookupsTotal, jobsActive)
}

// ObserveStepRun counts one step execution attempt against a worker and
// records its latency.
func ObserveStepRun(worker, cmd string, duration time.Duration) {
	stepDispatchTotal.WithLabelValues(worker, cmd).Inc()
	stepRunLatency.WithLabelValues(worker, cmd).Observe(float64(duration.Milliseconds()))
}

// ObserveStepError records a categorized step failure.
func ObserveStepError(worker, category string) {
	stepErrorsTotal.WithLabelValues(worker, category).Inc()
}

// ObserveWorkerRestart records a worker restart and its triggering reason.
func ObserveWorkerRestart(worker, reason string) {
	workerRestartsTotal.WithLabelValues(worker, reason).Inc()
}

// ObserveCacheLookup records a step-cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetJobsActive updates the active-job gauge for a given job state.
func SetJobsActive(state string, count int) {
	jobsActive.WithLabelValues(state).Set(float64(count))
}
