package orchestrator

import (
	"sync"
	"time"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventRunStart        EventKind = "run_start"
	EventRunEnd          EventKind = "run_end"
	EventCompletionStart EventKind = "completion_start"
	EventCompletionEnd   EventKind = "completion_end"
	EventCallDetected    EventKind = "call_detected"
	EventDispatchStart   EventKind = "dispatch_start"
	EventDispatchEnd     EventKind = "dispatch_end"
	EventLimitReached    EventKind = "limit_reached"
	EventBudgetWarning   EventKind = "budget_warning"
	EventBudgetTrimmed   EventKind = "budget_trimmed"
	EventLoopDetection   EventKind = "loop_detection"
	EventRetry           EventKind = "retry"
	EventError           EventKind = "error"
)

// Event is emitted by the loop as a run progresses.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Attempt   int            `json:"attempt"`
	State     State          `json:"state"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events to the host over a buffered channel. When the
// buffer is full events are dropped rather than blocking the loop.
type EventEmitter struct {
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates an emitter. A non-positive size selects 256.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		ch: make(chan Event, bufferSize),
	}
}

// Emit sends an event. It is a no-op on a nil or closed emitter.
func (e *EventEmitter) Emit(event Event) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case e.ch <- event:
	default:
	}
}

// Events returns the read side of the channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the channel. Safe to call more than once.
func (e *EventEmitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
