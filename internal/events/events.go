// Package events defines the event-emission port: every state change the
// orchestrator makes is published as a named event with a JSON-serializable
// payload and a timestamp, suitable for delivery over any pub/sub transport.
package events

import (
	"context"
	"sync"
	"time"
)

// Event names emitted by the core.
const (
	UnitCreated       = "unit.created"
	UnitUpdated       = "unit.updated"
	UnitDeleted       = "unit.deleted"
	UnitPaused        = "unit.paused"
	UnitResumed       = "unit.resumed"
	LogAppended       = "log.appended"
	GateRequested     = "gate.requested"
	GateResolved      = "gate.resolved"
	QuestionRequested = "question.requested"
	QuestionAnswered  = "question.answered"
	QuestionTimeout   = "question.timeout"
	QuestionCancelled = "question.cancelled"
	RunScheduled      = "run.scheduled"
	RollbackInitiated = "rollback.initiated"
	RollbackCompleted = "rollback.completed"
)

// Event is one named occurrence with its payload.
type Event struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Publisher delivers events to whatever transport is configured. Publish
// failures are logged by callers, never fatal to a run.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// New builds an event stamped with the current time.
func New(name string, payload any) Event {
	return Event{Name: name, Timestamp: time.Now().UTC(), Payload: payload}
}

// Recorder is an in-process Publisher that retains everything it receives.
// It is the default when no transport is configured and the workhorse of
// tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a snapshot of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
