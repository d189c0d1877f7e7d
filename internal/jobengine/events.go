package jobengine

import (
	"sync"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/pkg/logging"
)

// EventType distinguishes the two event shapes the engine emits.
type EventType string

const (
	EventJobState     EventType = "job_state"
	EventStepProgress EventType = "step_progress"
	// EventWorkerStatus carries a worker-level status/progress/message
	// event (e.g. WORKER_AVAILABLE) onto the same bus the dashboard and
	// control plane already subscribe to.
	EventWorkerStatus EventType = "worker_status"
)

// Event is one message on the engine's event bus.
type Event struct {
	Type     EventType       `json:"type"`
	JobID    string          `json:"job_id,omitempty"`
	StepID   string          `json:"step_id,omitempty"`
	Worker   envelope.Worker `json:"worker,omitempty"`
	State    string          `json:"state,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
	Output   any             `json:"output,omitempty"`
	Error    *envelope.Error `json:"error,omitempty"`
	TimingMs int64           `json:"timing_ms,omitempty"`
}

const subscriberBuffer = 64

// Bus is a multi-subscriber, synchronously-fanned-out event bus. Publish
// never blocks on a slow subscriber: each subscriber has its own bounded
// buffer, and a full buffer drops the event for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: map[int]chan Event{}}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish fans evt out to every current subscriber, copy-and-dispatch.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			logging.Warnf("event bus subscriber %d is full, dropping event %s for job %s", id, evt.Type, evt.JobID)
		}
	}
}
