// Package workflow defines the persistent entities the orchestrator moves
// through the pipelines: work items, tasks, artifacts, human gates, agent
// questions, and rollback records.
package workflow

import (
	"fmt"
	"time"

	"github.com/benclarkson/foreman/internal/pipeline"
	"github.com/google/uuid"
)

// WorkItem is a user-facing unit of intake. It is refined and split into
// tasks before any implementation work happens.
type WorkItem struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	State       pipeline.State `json:"state"`

	// Priority orders selection; higher runs first.
	Priority int `json:"priority"`

	// Confidence is the agent's self-reported confidence for the most recent
	// stage output, 0..1. Gate creation compares it against a threshold.
	Confidence float64 `json:"confidence"`

	// PendingGate blocks scheduling and explicit transitions until the
	// outstanding gate resolves.
	PendingGate bool `json:"pending_gate"`

	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`

	HasError  bool   `json:"has_error"`
	LastError string `json:"last_error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// AssignedRunID is non-empty while an agent run is executing against this
	// item. At most one unit system-wide may have it set.
	AssignedRunID string `json:"assigned_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is an executable leaf (or hierarchical parent) unit driven through the
// implementation pipeline. A task with children is never scheduled; its state
// is derived from the children.
type Task struct {
	ID           string         `json:"id"`
	WorkItemID   string         `json:"work_item_id"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	State        pipeline.State `json:"state"`

	Priority int `json:"priority"`

	// Order positions the task among its siblings.
	Order int `json:"order"`

	Confidence  float64 `json:"confidence"`
	PendingGate bool    `json:"pending_gate"`

	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`

	HasError  bool   `json:"has_error"`
	LastError string `json:"last_error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	AssignedRunID string `json:"assigned_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArtifactType classifies agent output.
type ArtifactType string

const (
	ArtifactRefinement ArtifactType = "refinement"
	ArtifactTaskSplit  ArtifactType = "task_split"
	ArtifactResearch   ArtifactType = "research"
	ArtifactPlan       ArtifactType = "plan"
	ArtifactCode       ArtifactType = "code"
	ArtifactReview     ArtifactType = "review"
	ArtifactGeneric    ArtifactType = "output"
)

// Artifact is an immutable record of agent output for one (unit, stage) pair.
// Artifacts are append-only and never mutated after creation.
type Artifact struct {
	ID      string         `json:"id"`
	UnitID  string         `json:"unit_id"`
	Stage   pipeline.State `json:"stage"`
	Type    ArtifactType   `json:"type"`
	Content string         `json:"content"`

	// AgentID identifies the producing agent session.
	AgentID    string  `json:"agent_id,omitempty"`
	Confidence float64 `json:"confidence"`

	// HumanInputRequested is set when the agent explicitly asked for human
	// review of this output.
	HumanInputRequested bool `json:"human_input_requested"`

	CreatedAt time.Time `json:"created_at"`
}

// GateStatus is the resolution state of a human gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
	GateSkipped  GateStatus = "skipped"
)

// HumanGate is a human-approval checkpoint blocking a unit's progress. At
// most one pending gate exists per unit; the unit's PendingGate flag enforces
// this.
type HumanGate struct {
	ID     string     `json:"id"`
	UnitID string     `json:"unit_id"`
	Status GateStatus `json:"status"`

	// Reason explains why the gate was raised (low confidence, mandatory
	// stage gate, agent request).
	Reason string `json:"reason"`

	// Confidence snapshots the unit's confidence at gate creation.
	Confidence float64 `json:"confidence"`

	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// QuestionStatus is the lifecycle state of an agent question.
type QuestionStatus string

const (
	QuestionPending   QuestionStatus = "pending"
	QuestionAnswered  QuestionStatus = "answered"
	QuestionTimeout   QuestionStatus = "timeout"
	QuestionCancelled QuestionStatus = "cancelled"
)

// QuestionItem is one question the agent asked, decoded from the reserved
// tool's input payload.
type QuestionItem struct {
	// Question is the prompt text shown to the human.
	Question string `json:"question"`
	// Header is a short label for the question.
	Header string `json:"header,omitempty"`
	// Options are the 2-4 offered choices.
	Options []string `json:"options"`
	// MultiSelect permits choosing more than one option.
	MultiSelect bool `json:"multiSelect,omitempty"`
}

// QuestionAnswer carries one submitted answer.
type QuestionAnswer struct {
	// Selected holds the chosen option labels.
	Selected []string `json:"selected,omitempty"`
	// Other is a free-text answer used instead of the options.
	Other string `json:"other,omitempty"`
}

// AgentQuestion is an agent-initiated question surfaced mid-run. Its lifetime
// is bounded by the run: it is answered, timed out, or cancelled before the
// run it belongs to ends.
type AgentQuestion struct {
	ID        string `json:"id"`
	UnitID    string `json:"unit_id"`
	RunID     string `json:"run_id"`
	ToolUseID string `json:"tool_use_id"`

	Questions []QuestionItem   `json:"questions"`
	Answers   []QuestionAnswer `json:"answers,omitempty"`

	Status     QuestionStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	TimeoutAt  time.Time      `json:"timeout_at"`
	AnsweredAt *time.Time     `json:"answered_at,omitempty"`
}

// RollbackTrigger names the cause of a rollback.
type RollbackTrigger string

const (
	TriggerMaxRetries  RollbackTrigger = "max_retries_exceeded"
	TriggerRejected    RollbackTrigger = "human_rejected"
	TriggerRegression  RollbackTrigger = "regression_detected"
	TriggerManualAbort RollbackTrigger = "manual_abort"
)

// RollbackRecord is an append-only audit entry written by the rollback
// operation. It is never mutated.
type RollbackRecord struct {
	ID      string          `json:"id"`
	UnitID  string          `json:"unit_id"`
	Trigger RollbackTrigger `json:"trigger"`

	FromState pipeline.State `json:"from_state"`
	ToState   pipeline.State `json:"to_state"`

	// GitHead snapshots the repository HEAD at rollback time, if available.
	GitHead string `json:"git_head,omitempty"`

	ActionsTaken         []string `json:"actions_taken"`
	PreservedArtifactIDs []string `json:"preserved_artifact_ids"`
	RecoveryOptions      []string `json:"recovery_options"`

	CreatedAt time.Time `json:"created_at"`
}

// DefaultMaxRetries applies when a unit is created without an explicit limit.
const DefaultMaxRetries = 3

// NewWorkItem creates a work item in the first pipeline state.
func NewWorkItem(title, description string, priority int) *WorkItem {
	now := time.Now().UTC()
	return &WorkItem{
		ID:          fmt.Sprintf("wi-%s", uuid.New().String()[:8]),
		Title:       title,
		Description: description,
		State:       pipeline.WorkItemNew,
		Priority:    priority,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewTask creates a leaf task in the backlog state.
func NewTask(workItemID, title, description string, order int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          fmt.Sprintf("t-%s", uuid.New().String()[:8]),
		WorkItemID:  workItemID,
		Title:       title,
		Description: description,
		State:       pipeline.TaskBacklog,
		Order:       order,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewArtifact creates an immutable artifact record.
func NewArtifact(unitID string, stage pipeline.State, typ ArtifactType, content string) *Artifact {
	return &Artifact{
		ID:        fmt.Sprintf("art-%s", uuid.New().String()[:8]),
		UnitID:    unitID,
		Stage:     stage,
		Type:      typ,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewHumanGate creates a pending gate for a unit.
func NewHumanGate(unitID, reason string, confidence float64) *HumanGate {
	return &HumanGate{
		ID:         fmt.Sprintf("gate-%s", uuid.New().String()[:8]),
		UnitID:     unitID,
		Status:     GatePending,
		Reason:     reason,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewAgentQuestion creates a pending question tied to one run.
func NewAgentQuestion(unitID, runID, toolUseID string, questions []QuestionItem, timeout time.Duration) *AgentQuestion {
	now := time.Now().UTC()
	return &AgentQuestion{
		ID:        fmt.Sprintf("q-%s", uuid.New().String()[:8]),
		UnitID:    unitID,
		RunID:     runID,
		ToolUseID: toolUseID,
		Questions: questions,
		Status:    QuestionPending,
		CreatedAt: now,
		TimeoutAt: now.Add(timeout),
	}
}
