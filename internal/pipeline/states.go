// Package pipeline defines the ordered state machines for work items and tasks.
// Everything here is pure: transitions are lookups over fixed state orderings,
// and derived state is computed from child states without touching storage.
package pipeline

// State is a stage in one of the two pipelines. Work-item states and task
// states share this type but never mix within a single unit; every lookup
// goes through the owning Pipeline.
type State string

// Work-item pipeline, in order.
const (
	WorkItemNew       State = "new"
	WorkItemRefining  State = "refining"
	WorkItemReady     State = "ready"
	WorkItemSplitting State = "splitting"
	WorkItemExecuting State = "executing"
	WorkItemDone      State = "done"
)

// Task pipeline, in order.
const (
	TaskBacklog      State = "backlog"
	TaskSplit        State = "split"
	TaskResearch     State = "research"
	TaskPlanning     State = "planning"
	TaskImplementing State = "implementing"
	TaskSimplifying  State = "simplifying"
	TaskVerifying    State = "verifying"
	TaskReviewing    State = "reviewing"
	TaskPrReady      State = "pr_ready"
	TaskDone         State = "done"
)

// Pipeline selects which ordered state list applies to a unit.
type Pipeline int

const (
	// WorkItemPipeline drives intake refinement and splitting.
	WorkItemPipeline Pipeline = iota
	// TaskPipeline drives leaf-task execution through PR readiness.
	TaskPipeline
)

var workItemStates = []State{
	WorkItemNew,
	WorkItemRefining,
	WorkItemReady,
	WorkItemSplitting,
	WorkItemExecuting,
	WorkItemDone,
}

var taskStates = []State{
	TaskBacklog,
	TaskSplit,
	TaskResearch,
	TaskPlanning,
	TaskImplementing,
	TaskSimplifying,
	TaskVerifying,
	TaskReviewing,
	TaskPrReady,
	TaskDone,
}

// States returns the pipeline's states in execution order. The returned slice
// must not be mutated.
func (p Pipeline) States() []State {
	if p == WorkItemPipeline {
		return workItemStates
	}
	return taskStates
}

// String names the pipeline for logs and events.
func (p Pipeline) String() string {
	if p == WorkItemPipeline {
		return "work_item"
	}
	return "task"
}

// Index returns the position of s within the pipeline, or -1 if s does not
// belong to it.
func (p Pipeline) Index(s State) int {
	for i, st := range p.States() {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s belongs to the pipeline.
func (p Pipeline) Valid(s State) bool {
	return p.Index(s) >= 0
}

// NextOnSuccess returns the state that follows s when a run succeeds. The
// second return is false when s is terminal or unknown.
func (p Pipeline) NextOnSuccess(s State) (State, bool) {
	i := p.Index(s)
	states := p.States()
	if i < 0 || i+1 >= len(states) {
		return "", false
	}
	return states[i+1], true
}

// IsAdjacent reports whether to is exactly one step before or after from.
// This is the single legality rule for explicit transition requests; rollback
// is the only operation allowed to skip states.
func (p Pipeline) IsAdjacent(from, to State) bool {
	fi, ti := p.Index(from), p.Index(to)
	if fi < 0 || ti < 0 {
		return false
	}
	diff := ti - fi
	return diff == 1 || diff == -1
}

// IsTerminal reports whether s is the last state of the pipeline.
func (p Pipeline) IsTerminal(s State) bool {
	states := p.States()
	return s == states[len(states)-1]
}

// IsEarlier reports whether a precedes b within the pipeline.
func (p Pipeline) IsEarlier(a, b State) bool {
	ai, bi := p.Index(a), p.Index(b)
	return ai >= 0 && bi >= 0 && ai < bi
}

// Schedulable reports whether a leaf unit in state s may be selected for a
// run. Terminal states have nothing left to run, and an executing work item
// is advanced by its tasks rather than by further runs of its own.
func (p Pipeline) Schedulable(s State) bool {
	i := p.Index(s)
	if i < 0 || p.IsTerminal(s) {
		return false
	}
	if p == WorkItemPipeline && s == WorkItemExecuting {
		return false
	}
	return true
}

// DeriveParentState rolls a parent task's state up from its children: done
// only when every child is done, otherwise the state of the least-advanced
// non-terminal child. Parents are never scheduled directly; the derived state
// exists for display and rollup.
func DeriveParentState(children []State) State {
	if len(children) == 0 {
		return TaskBacklog
	}
	best := -1
	var bestState State
	for _, c := range children {
		if TaskPipeline.IsTerminal(c) {
			continue
		}
		i := TaskPipeline.Index(c)
		if i < 0 {
			continue
		}
		if best == -1 || i < best {
			best = i
			bestState = c
		}
	}
	if best == -1 {
		return TaskDone
	}
	return bestState
}
