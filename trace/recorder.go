package trace

import (
	"encoding/json"
	"sync"
	"time"
)

// Recorder accumulates one request's event timeline. Appends are lossless
// and kept in state-machine order; each event is also published to the bus
// for the live feed. The finished vector is handed to the log persistor and
// then discarded.
type Recorder struct {
	TraceID string

	bus *Bus

	mu     sync.Mutex
	events []Event
}

// NewRecorder returns a Recorder for one request. A nil bus keeps the
// timeline but disables the live feed, which tests rely on.
func NewRecorder(traceID string, bus *Bus) *Recorder {
	return &Recorder{TraceID: traceID, bus: bus}
}

// Record stamps the event with the trace id and current time (when unset),
// appends it to the timeline, and publishes it to the live feed.
func (r *Recorder) Record(e Event) {
	e.TraceID = r.TraceID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// Events returns a copy of the timeline recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// TimelineJSON serialises the timeline for the request-log record.
func (r *Recorder) TimelineJSON() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.Marshal(r.events)
	if err != nil {
		return "[]"
	}
	return string(data)
}
