package scheduler

import (
	"context"
	"fmt"

	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/pipeline"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/workflow"
)

// applyOutcome records a completed run against its unit: advance on success,
// retry or auto-pause on error, always pause on cancellation. The run marker
// is cleared in every branch so the unit is never stuck assigned to a dead
// run.
func (s *Scheduler) applyOutcome(ctx context.Context, unit workflow.Unit, runID string, res RunResult) {
	// The snapshot from selection is stale by now: the operator may have
	// paused or gated the unit through the console while the run executed.
	// Apply the outcome to the stored copy so those writes survive.
	if fresh, err := store.LoadUnit(ctx, s.store, unit.GetID()); err != nil {
		s.logger.Error("reload unit after run", "unit_id", unit.GetID(), "run_id", runID, "error", err)
	} else {
		unit = fresh
	}

	stage := unit.GetState()
	unit.SetRunID("")

	switch res.Outcome {
	case OutcomeSuccess:
		s.applySuccess(ctx, unit, runID, stage, res)
	case OutcomeError:
		s.applyError(ctx, unit, runID, res)
	case OutcomeCancelled:
		s.applyCancelled(ctx, unit, runID)
	default:
		s.logger.Error("unknown run outcome", "run_id", runID, "outcome", res.Outcome)
		s.applyError(ctx, unit, runID, res)
	}
}

func (s *Scheduler) applySuccess(ctx context.Context, unit workflow.Unit, runID string, stage pipeline.State, res RunResult) {
	unit.ClearError()
	if next, ok := unit.GetPipeline().NextOnSuccess(stage); ok {
		unit.SetState(next)
	}
	unit.Touch()

	if res.Output != "" {
		artifact := workflow.NewArtifact(unit.GetID(), stage, artifactTypeFor(stage), res.Output)
		artifact.AgentID = res.SessionID
		artifact.Confidence = unit.GetConfidence()
		artifact.HumanInputRequested = res.HumanInputRequested
		if err := s.store.AppendArtifact(ctx, artifact); err != nil {
			s.logger.Error("append artifact", "run_id", runID, "unit_id", unit.GetID(), "error", err)
		}
	}

	if err := store.SaveUnit(ctx, s.store, unit); err != nil {
		s.logger.Error("save unit after success", "unit_id", unit.GetID(), "error", err)
		return
	}
	s.publish(ctx, events.UnitUpdated, unitPayload(unit, runID))
	s.logger.Info("run succeeded",
		"run_id", runID,
		"unit_id", unit.GetID(),
		"stage", stage,
		"next_state", unit.GetState(),
		"cost_usd", res.CostUSD,
		"turns", res.NumTurns)

	if s.coordinator != nil {
		if reason, gated := s.cfg.GatePolicy.ShouldGate(unit.GetState(), unit.GetConfidence(), res.HumanInputRequested); gated {
			if _, err := s.coordinator.RequestGate(ctx, unit, reason); err != nil {
				s.logger.Error("request gate", "unit_id", unit.GetID(), "error", err)
			}
		}
	}

	if task, ok := unit.(*workflow.Task); ok {
		if task.ParentTaskID != "" {
			s.recomputeParentTask(ctx, task.ParentTaskID)
		}
		if task.WorkItemID != "" {
			s.recomputeWorkItem(ctx, task.WorkItemID)
		}
	}
}

func (s *Scheduler) applyError(ctx context.Context, unit workflow.Unit, runID string, res RunResult) {
	msg := "run failed"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	unit.RecordError(msg)

	count, max := unit.Retries()
	paused := count >= max
	if paused {
		unit.Pause(fmt.Sprintf("auto-paused after %d failed attempts: %s", count, msg))
	}
	unit.Touch()

	if err := store.SaveUnit(ctx, s.store, unit); err != nil {
		s.logger.Error("save unit after error", "unit_id", unit.GetID(), "error", err)
		return
	}
	if paused {
		s.publish(ctx, events.UnitPaused, unitPayload(unit, runID))
		s.logger.Warn("run failed, unit paused",
			"run_id", runID,
			"unit_id", unit.GetID(),
			"attempts", count,
			"error", msg)
	} else {
		s.publish(ctx, events.UnitUpdated, unitPayload(unit, runID))
		s.logger.Warn("run failed, will retry",
			"run_id", runID,
			"unit_id", unit.GetID(),
			"attempt", count,
			"max_attempts", max,
			"error", msg)
	}
}

func (s *Scheduler) applyCancelled(ctx context.Context, unit workflow.Unit, runID string) {
	// Cancellation always pauses: the human asked for a stop, so the unit
	// must not be reselected on the next tick.
	unit.Pause("run aborted by operator")
	unit.Touch()

	if err := store.SaveUnit(ctx, s.store, unit); err != nil {
		s.logger.Error("save unit after cancel", "unit_id", unit.GetID(), "error", err)
		return
	}
	s.publish(ctx, events.UnitPaused, unitPayload(unit, runID))
	s.logger.Info("run cancelled", "run_id", runID, "unit_id", unit.GetID())
}

// recomputeParentTask rolls up child states into a parent task. Parent tasks
// are never scheduled themselves; their state is purely derived.
func (s *Scheduler) recomputeParentTask(ctx context.Context, parentID string) {
	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil {
		s.logger.Error("load parent task", "task_id", parentID, "error", err)
		return
	}
	children, err := s.store.ListChildTasks(ctx, parentID)
	if err != nil {
		s.logger.Error("list child tasks", "task_id", parentID, "error", err)
		return
	}
	if len(children) == 0 {
		return
	}

	states := make([]pipeline.State, len(children))
	for i, c := range children {
		states[i] = c.State
	}
	derived := pipeline.DeriveParentState(states)
	if parent.State == derived {
		return
	}

	parent.State = derived
	parent.Touch()
	if err := s.store.SaveTask(ctx, parent); err != nil {
		s.logger.Error("save parent task", "task_id", parentID, "error", err)
		return
	}
	s.publish(ctx, events.UnitUpdated, unitPayload(parent, ""))

	if parent.ParentTaskID != "" {
		s.recomputeParentTask(ctx, parent.ParentTaskID)
	}
}

// recomputeWorkItem rolls up leaf task states into the owning work item.
func (s *Scheduler) recomputeWorkItem(ctx context.Context, workItemID string) {
	item, err := s.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		s.logger.Error("load parent work item", "work_item_id", workItemID, "error", err)
		return
	}
	tasks, err := s.store.ListItemTasks(ctx, workItemID)
	if err != nil {
		s.logger.Error("list item tasks", "work_item_id", workItemID, "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	states := make([]pipeline.State, len(tasks))
	for i, t := range tasks {
		states[i] = t.State
	}
	derived := pipeline.DeriveParentState(states)

	// The item-level state only moves between executing and done in
	// response to child progress; earlier intake stages are agent-driven.
	var next pipeline.State
	if derived == pipeline.TaskDone {
		next = pipeline.WorkItemDone
	} else {
		next = pipeline.WorkItemExecuting
	}
	if item.State == next || item.GetPipeline().Index(item.State) < item.GetPipeline().Index(pipeline.WorkItemExecuting) {
		return
	}

	item.State = next
	item.Touch()
	if err := s.store.SaveWorkItem(ctx, item); err != nil {
		s.logger.Error("save parent work item", "work_item_id", workItemID, "error", err)
		return
	}
	s.publish(ctx, events.UnitUpdated, unitPayload(item, ""))
	s.logger.Info("parent state derived", "work_item_id", workItemID, "state", next)
}

func artifactTypeFor(stage pipeline.State) workflow.ArtifactType {
	switch stage {
	case pipeline.WorkItemNew, pipeline.WorkItemRefining:
		return workflow.ArtifactRefinement
	case pipeline.WorkItemSplitting:
		return workflow.ArtifactTaskSplit
	case pipeline.TaskResearch:
		return workflow.ArtifactResearch
	case pipeline.TaskPlanning:
		return workflow.ArtifactPlan
	case pipeline.TaskImplementing, pipeline.TaskSimplifying:
		return workflow.ArtifactCode
	case pipeline.TaskVerifying, pipeline.TaskReviewing:
		return workflow.ArtifactReview
	default:
		return workflow.ArtifactGeneric
	}
}

func unitPayload(unit workflow.Unit, runID string) map[string]any {
	payload := map[string]any{
		"unit_id": unit.GetID(),
		"state":   string(unit.GetState()),
		"paused":  unit.IsPaused(),
	}
	if runID != "" {
		payload["run_id"] = runID
	}
	return payload
}
