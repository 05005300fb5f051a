package pipeline

import "sync"

// EventKind tags job stream events.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventFailed   EventKind = "error"
	EventEnd      EventKind = "end"
)

// Event is one entry on a job's progress stream. Terminal kinds (complete,
// error) are always followed by end.
type Event struct {
	Kind      EventKind `json:"kind"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

// Hub fans job events out to subscribers. Slow subscribers drop events
// rather than block the pipeline; the snapshot replay on reconnect covers
// the gap.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Event]struct{}{}}
}

// Subscribe returns a channel of events for a job and a cancel func. The
// channel is buffered; callers must drain it.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = map[chan Event]struct{}{}
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[jobID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the job.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
			// Dropped; the subscriber will resync from the snapshot.
		}
	}
}
