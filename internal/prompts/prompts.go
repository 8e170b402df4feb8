// Package prompts builds the stage-specific instructions fed to the agent.
// Each pipeline stage maps to a fixed instruction block; the unit's title and
// description are appended so the agent knows what it is working on.
package prompts

import (
	"fmt"
	"strings"

	"github.com/benclarkson/foreman/internal/pipeline"
	"github.com/benclarkson/foreman/internal/workflow"
)

var workItemInstructions = map[pipeline.State]string{
	pipeline.WorkItemNew: "Review this work item and restate it as a clear, " +
		"scoped piece of work. Flag missing requirements.",
	pipeline.WorkItemRefining: "Refine the work item: resolve ambiguities, list " +
		"acceptance criteria, and estimate risk.",
	pipeline.WorkItemReady: "Confirm the work item is ready to split: verify the " +
		"acceptance criteria are testable and the scope is bounded.",
	pipeline.WorkItemSplitting: "Split this work item into an ordered list of " +
		"small, independently verifiable tasks. One task per deliverable.",
}

var taskInstructions = map[pipeline.State]string{
	pipeline.TaskBacklog: "Triage this task: confirm it is actionable and " +
		"note anything blocking it.",
	pipeline.TaskSplit: "Check whether this task needs further decomposition; " +
		"if not, summarize the intended approach.",
	pipeline.TaskResearch: "Research the codebase areas this task touches. " +
		"Report relevant files, patterns, and constraints.",
	pipeline.TaskPlanning: "Write an implementation plan: files to change, " +
		"order of changes, and test strategy.",
	pipeline.TaskImplementing: "Implement the task according to the plan. " +
		"Keep changes minimal and tested.",
	pipeline.TaskSimplifying: "Simplify the implementation: remove dead code, " +
		"tighten names, reduce incidental complexity.",
	pipeline.TaskVerifying: "Verify the implementation: run the test suite, " +
		"check edge cases, and report results.",
	pipeline.TaskReviewing: "Review the change as a careful colleague would. " +
		"List defects and risks; do not fix them.",
	pipeline.TaskPrReady: "Prepare the change for a pull request: final self " +
		"review and a concise summary of what changed and why.",
}

// ForUnit builds the prompt for one unit at its current stage.
func ForUnit(unit workflow.Unit) string {
	var instructions string
	if unit.GetPipeline() == pipeline.WorkItemPipeline {
		instructions = workItemInstructions[unit.GetState()]
	} else {
		instructions = taskInstructions[unit.GetState()]
	}
	if instructions == "" {
		instructions = "Continue working on this unit."
	}

	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")

	switch u := unit.(type) {
	case *workflow.WorkItem:
		fmt.Fprintf(&b, "Work item: %s\n", u.Title)
		if u.Description != "" {
			fmt.Fprintf(&b, "\n%s\n", u.Description)
		}
	case *workflow.Task:
		fmt.Fprintf(&b, "Task: %s\n", u.Title)
		if u.Description != "" {
			fmt.Fprintf(&b, "\n%s\n", u.Description)
		}
	}

	b.WriteString("\nIf you need a human decision, use the AskUserQuestion tool.")
	return b.String()
}
