package workflow

import (
	"time"

	"github.com/benclarkson/foreman/internal/pipeline"
)

// Unit abstracts over WorkItem and Task so the scheduler, gate coordinator,
// and rollback operation can share one code path. Accessors carry a Get
// prefix where a method would otherwise collide with the struct field.
type Unit interface {
	GetID() string
	GetPipeline() pipeline.Pipeline
	GetState() pipeline.State
	SetState(s pipeline.State)
	GetPriority() int
	GetCreatedAt() time.Time
	GetConfidence() float64

	IsPaused() bool
	PausedReason() string
	Pause(reason string)
	Resume()

	GatePending() bool
	SetGatePending(pending bool)

	ErrorState() (hasError bool, lastError string)
	RecordError(msg string)
	ClearError()

	Retries() (count, max int)
	SetRetryCount(n int)

	RunID() string
	SetRunID(id string)

	// Touch refreshes the update timestamp.
	Touch()
}

func (w *WorkItem) GetID() string                 { return w.ID }
func (w *WorkItem) GetPipeline() pipeline.Pipeline { return pipeline.WorkItemPipeline }
func (w *WorkItem) GetState() pipeline.State      { return w.State }
func (w *WorkItem) SetState(s pipeline.State)     { w.State = s }
func (w *WorkItem) GetPriority() int              { return w.Priority }
func (w *WorkItem) GetCreatedAt() time.Time       { return w.CreatedAt }
func (w *WorkItem) GetConfidence() float64        { return w.Confidence }
func (w *WorkItem) IsPaused() bool                { return w.Paused }
func (w *WorkItem) PausedReason() string          { return w.PauseReason }

func (w *WorkItem) Pause(reason string) {
	w.Paused = true
	w.PauseReason = reason
}

func (w *WorkItem) Resume() {
	w.Paused = false
	w.PauseReason = ""
	w.RetryCount = 0
}

func (w *WorkItem) GatePending() bool           { return w.PendingGate }
func (w *WorkItem) SetGatePending(pending bool) { w.PendingGate = pending }

func (w *WorkItem) ErrorState() (bool, string) { return w.HasError, w.LastError }

func (w *WorkItem) RecordError(msg string) {
	w.HasError = true
	w.LastError = msg
	w.RetryCount++
}

func (w *WorkItem) ClearError() {
	w.HasError = false
	w.LastError = ""
	w.RetryCount = 0
}

func (w *WorkItem) Retries() (int, int)  { return w.RetryCount, w.MaxRetries }
func (w *WorkItem) SetRetryCount(n int)  { w.RetryCount = n }
func (w *WorkItem) RunID() string        { return w.AssignedRunID }
func (w *WorkItem) SetRunID(id string)   { w.AssignedRunID = id }
func (w *WorkItem) Touch()               { w.UpdatedAt = time.Now().UTC() }

func (t *Task) GetID() string                  { return t.ID }
func (t *Task) GetPipeline() pipeline.Pipeline { return pipeline.TaskPipeline }
func (t *Task) GetState() pipeline.State       { return t.State }
func (t *Task) SetState(s pipeline.State)      { t.State = s }
func (t *Task) GetPriority() int               { return t.Priority }
func (t *Task) GetCreatedAt() time.Time        { return t.CreatedAt }
func (t *Task) GetConfidence() float64         { return t.Confidence }
func (t *Task) IsPaused() bool                 { return t.Paused }
func (t *Task) PausedReason() string           { return t.PauseReason }

func (t *Task) Pause(reason string) {
	t.Paused = true
	t.PauseReason = reason
}

func (t *Task) Resume() {
	t.Paused = false
	t.PauseReason = ""
	t.RetryCount = 0
}

func (t *Task) GatePending() bool           { return t.PendingGate }
func (t *Task) SetGatePending(pending bool) { t.PendingGate = pending }

func (t *Task) ErrorState() (bool, string) { return t.HasError, t.LastError }

func (t *Task) RecordError(msg string) {
	t.HasError = true
	t.LastError = msg
	t.RetryCount++
}

func (t *Task) ClearError() {
	t.HasError = false
	t.LastError = ""
	t.RetryCount = 0
}

func (t *Task) Retries() (int, int)  { return t.RetryCount, t.MaxRetries }
func (t *Task) SetRetryCount(n int)  { t.RetryCount = n }
func (t *Task) RunID() string        { return t.AssignedRunID }
func (t *Task) SetRunID(id string)   { t.AssignedRunID = id }
func (t *Task) Touch()               { t.UpdatedAt = time.Now().UTC() }
