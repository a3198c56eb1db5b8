package awareness

import (
	"sync"
	"time"
)

// EventCategory tags a debug event with the decision path that produced it.
type EventCategory string

const (
	EventListeningDisabled EventCategory = "listening-disabled"
	EventListeningToggled  EventCategory = "listening-toggled"
	EventWindowEvaluated   EventCategory = "window-evaluated"
	EventSessionStarted    EventCategory = "session-started"
	EventSessionContinued  EventCategory = "session-continued"
	EventSessionStopped    EventCategory = "session-stopped"
	EventSessionForceStop  EventCategory = "session-force-stopped"
	EventClipAttached      EventCategory = "clip-attached"
	EventPipelineEnqueued  EventCategory = "pipeline-enqueued"
	EventPipelineDropped   EventCategory = "pipeline-dropped"
)

// DebugEvent is one append-only entry of the observability log. The verdict
// snapshot is present for every event produced by a window evaluation, even
// on the nothing-interesting-happened path.
type DebugEvent struct {
	Time      time.Time     `json:"time"`
	Category  EventCategory `json:"category"`
	Action    Action        `json:"action,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	Verdict   *Verdict      `json:"verdict,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// DefaultDebugLogCapacity bounds the in-memory debug event log.
const DefaultDebugLogCapacity = 300

// DebugLog is a bounded append-only log of every detector decision,
// independent of session state. Safe for concurrent use.
type DebugLog struct {
	mu       sync.Mutex
	capacity int
	events   []DebugEvent
}

// NewDebugLog creates a debug log holding at most capacity events.
func NewDebugLog(capacity int) *DebugLog {
	if capacity <= 0 {
		capacity = DefaultDebugLogCapacity
	}
	return &DebugLog{capacity: capacity}
}

// Append records an event, evicting the oldest beyond capacity.
func (l *DebugLog) Append(ev DebugEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > l.capacity {
		l.events = l.events[len(l.events)-l.capacity:]
	}
}

// Snapshot returns a copy of the current log contents, oldest first.
func (l *DebugLog) Snapshot() []DebugEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DebugEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the current number of retained events.
func (l *DebugLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
