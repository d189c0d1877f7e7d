package controlplane

import (
	"sync"

	"github.com/ktr0328/orchestrator-core/internal/jobengine"
)

// defaultHistorySize is the ring buffer capacity when the caller passes 0.
const defaultHistorySize = 2000

// eventHistory is a fixed-capacity ring buffer of engine events. byJobID
// records which slots hold each job_id's events and is kept in step with
// eviction; list filters by scanning the buffer in order.
type eventHistory struct {
	mu      sync.Mutex
	cap     int
	events  []jobengine.Event
	next    int
	full    bool
	byJobID map[string][]int
}

func newEventHistory(size int) *eventHistory {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &eventHistory{
		cap:     size,
		events:  make([]jobengine.Event, size),
		byJobID: map[string][]int{},
	}
}

func (h *eventHistory) record(evt jobengine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.full {
		evicted := h.events[h.next]
		h.removeIndexLocked(evicted.JobID, h.next)
	}
	h.events[h.next] = evt
	h.byJobID[evt.JobID] = append(h.byJobID[evt.JobID], h.next)
	h.next = (h.next + 1) % h.cap
	if h.next == 0 {
		h.full = true
	}
}

func (h *eventHistory) removeIndexLocked(jobID string, idx int) {
	indices := h.byJobID[jobID]
	for i, v := range indices {
		if v == idx {
			h.byJobID[jobID] = append(indices[:i], indices[i+1:]...)
			break
		}
	}
	if len(h.byJobID[jobID]) == 0 {
		delete(h.byJobID, jobID)
	}
}

// list returns the most recent events, newest last, optionally filtered to
// one job_id and capped at limit (0 means unbounded).
func (h *eventHistory) list(jobID string, limit int) []jobengine.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []jobengine.Event
	count := len(h.events)
	if !h.full {
		count = h.next
	}
	start := 0
	if h.full {
		start = h.next
	}
	for i := 0; i < count; i++ {
		idx := (start + i) % h.cap
		evt := h.events[idx]
		if jobID != "" && evt.JobID != jobID {
			continue
		}
		ordered = append(ordered, evt)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
