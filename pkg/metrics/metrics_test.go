package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestObserveStepRun(t *testing.T) {
	ObserveStepRun("media", "transcribe", 10*time.Millisecond)
	metricFamilies, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "orchestrator_step_dispatch_total" {
			found = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("expected at least one sample")
			}
		}
	}
	if !found {
		t.Fatalf("expected orchestrator_step_dispatch_total to be registered")
	}
}

func TestObserveCacheLookup(t *testing.T) {
	ObserveCacheLookup(true)
	ObserveCacheLookup(false)
	metricFamilies, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() == "orchestrator_step_cache_lookups_total" {
			var hit, miss *dto.Metric
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "result" && l.GetValue() == "hit" {
						hit = m
					}
					if l.GetName() == "result" && l.GetValue() == "miss" {
						miss = m
					}
				}
			}
			if hit == nil || hit.GetCounter().GetValue() < 1 {
				t.Fatalf("expected hit counter >= 1")
			}
			if miss == nil || miss.GetCounter().GetValue() < 1 {
				t.Fatalf("expected miss counter >= 1")
			}
		}
	}
}
