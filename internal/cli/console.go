package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/gate"
	"github.com/benclarkson/foreman/internal/pipeline"
	"github.com/benclarkson/foreman/internal/rollback"
	"github.com/benclarkson/foreman/internal/scheduler"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/workflow"
)

const consoleHelp = `commands:
  add <title>                          create a work item
  task <work-item-id> <title>          create a task under a work item
  list                                 show all units
  status                               active run and scheduler state
  pause <unit-id> [reason]             pause a unit
  resume <unit-id>                     resume a paused unit
  advance <unit-id> <state>            move a unit one stage by hand
  abort                                abort the active run
  scheduler on|off                     toggle selection
  questions                            list pending agent questions
  answer <question-id> <text>          answer a pending question
  gate <gate-id> approve|reject|skip [note]
  rollback <unit-id> <state> <trigger> roll a unit back to an earlier stage
  help                                 show this list`

// console handles operator commands on standard input while the scheduler
// loop runs. One command per line; unknown commands print usage.
type console struct {
	store       store.Store
	bus         events.Publisher
	coordinator *gate.Coordinator
	scheduler   *scheduler.Scheduler
	roller      *rollback.Manager
	maxRetries  int
	out         io.Writer
	logger      *slog.Logger
}

func (c *console) loop(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.dispatch(ctx, line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) dispatch(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	case "add":
		if len(rest) == 0 {
			return fmt.Errorf("usage: add <title>")
		}
		return c.addItem(ctx, strings.Join(rest, " "))
	case "task":
		if len(rest) < 2 {
			return fmt.Errorf("usage: task <work-item-id> <title>")
		}
		return c.addTask(ctx, rest[0], strings.Join(rest[1:], " "))
	case "list":
		return c.list(ctx)
	case "status":
		return c.status()
	case "pause":
		if len(rest) == 0 {
			return fmt.Errorf("usage: pause <unit-id> [reason]")
		}
		reason := "paused by operator"
		if len(rest) > 1 {
			reason = strings.Join(rest[1:], " ")
		}
		return c.pause(ctx, rest[0], reason)
	case "resume":
		if len(rest) != 1 {
			return fmt.Errorf("usage: resume <unit-id>")
		}
		return c.resume(ctx, rest[0])
	case "advance":
		if len(rest) != 2 {
			return fmt.Errorf("usage: advance <unit-id> <state>")
		}
		return c.advance(ctx, rest[0], rest[1])
	case "abort":
		if c.scheduler.Abort() {
			fmt.Fprintln(c.out, "abort requested")
		} else {
			fmt.Fprintln(c.out, "no active run")
		}
		return nil
	case "scheduler":
		if len(rest) != 1 || (rest[0] != "on" && rest[0] != "off") {
			return fmt.Errorf("usage: scheduler on|off")
		}
		c.scheduler.SetEnabled(rest[0] == "on")
		fmt.Fprintf(c.out, "scheduler %s\n", rest[0])
		return nil
	case "questions":
		ids := c.coordinator.PendingQuestions()
		if len(ids) == 0 {
			fmt.Fprintln(c.out, "no pending questions")
			return nil
		}
		for _, id := range ids {
			c.printQuestion(ctx, id)
		}
		return nil
	case "answer":
		if len(rest) < 2 {
			return fmt.Errorf("usage: answer <question-id> <text>")
		}
		return c.answer(rest[0], strings.Join(rest[1:], " "))
	case "gate":
		if len(rest) < 2 {
			return fmt.Errorf("usage: gate <gate-id> approve|reject|skip [note]")
		}
		note := ""
		if len(rest) > 2 {
			note = strings.Join(rest[2:], " ")
		}
		return c.resolveGate(ctx, rest[0], rest[1], note)
	case "rollback":
		if len(rest) != 3 {
			return fmt.Errorf("usage: rollback <unit-id> <state> <trigger>")
		}
		return c.rollback(ctx, rest[0], rest[1], rest[2])
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (c *console) addItem(ctx context.Context, title string) error {
	item := workflow.NewWorkItem(title, "", 0)
	item.MaxRetries = c.maxRetries
	if err := c.store.SaveWorkItem(ctx, item); err != nil {
		return err
	}
	c.publish(ctx, events.UnitCreated, map[string]any{"unit_id": item.ID, "title": title})
	fmt.Fprintf(c.out, "created work item %s\n", item.ID)
	return nil
}

func (c *console) addTask(ctx context.Context, workItemID, title string) error {
	if _, err := c.store.GetWorkItem(ctx, workItemID); err != nil {
		return err
	}
	siblings, err := c.store.ListItemTasks(ctx, workItemID)
	if err != nil {
		return err
	}
	task := workflow.NewTask(workItemID, title, "", len(siblings))
	task.MaxRetries = c.maxRetries
	if err := c.store.SaveTask(ctx, task); err != nil {
		return err
	}
	c.publish(ctx, events.UnitCreated, map[string]any{"unit_id": task.ID, "title": title})
	fmt.Fprintf(c.out, "created task %s under %s\n", task.ID, workItemID)
	return nil
}

func (c *console) list(ctx context.Context) error {
	items, err := c.store.ListWorkItems(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Fprintf(c.out, "%s  [%s]  %s%s\n", item.ID, item.State, item.Title, unitFlags(item))
		tasks, err := c.store.ListItemTasks(ctx, item.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Fprintf(c.out, "  %s  [%s]  %s%s\n", task.ID, task.State, task.Title, unitFlags(task))
		}
	}
	return nil
}

func (c *console) status() error {
	unitID, runID := c.scheduler.ActiveRun()
	if runID == "" {
		fmt.Fprintln(c.out, "idle")
	} else {
		fmt.Fprintf(c.out, "running %s for %s\n", runID, unitID)
	}
	if !c.scheduler.Enabled() {
		fmt.Fprintln(c.out, "scheduler is off")
	}
	return nil
}

func (c *console) pause(ctx context.Context, unitID, reason string) error {
	unit, err := store.LoadUnit(ctx, c.store, unitID)
	if err != nil {
		return err
	}
	unit.Pause(reason)
	unit.Touch()
	if err := store.SaveUnit(ctx, c.store, unit); err != nil {
		return err
	}
	c.publish(ctx, events.UnitPaused, map[string]any{"unit_id": unitID, "reason": reason})
	fmt.Fprintf(c.out, "paused %s\n", unitID)
	return nil
}

func (c *console) resume(ctx context.Context, unitID string) error {
	unit, err := store.LoadUnit(ctx, c.store, unitID)
	if err != nil {
		return err
	}
	unit.Resume()
	unit.Touch()
	if err := store.SaveUnit(ctx, c.store, unit); err != nil {
		return err
	}
	c.publish(ctx, events.UnitResumed, map[string]any{"unit_id": unitID})
	fmt.Fprintf(c.out, "resumed %s\n", unitID)
	return nil
}

// advance applies an operator-requested transition. Only a single step in
// either direction is legal, and a unit waiting on a gate or an active run
// stays where it is until those resolve.
func (c *console) advance(ctx context.Context, unitID, state string) error {
	unit, err := store.LoadUnit(ctx, c.store, unitID)
	if err != nil {
		return err
	}
	target := pipeline.State(state)
	p := unit.GetPipeline()
	if !p.Valid(target) {
		return fmt.Errorf("%q is not a state in this unit's pipeline", state)
	}
	if unit.GatePending() {
		return fmt.Errorf("%s has a pending gate; resolve it first", unitID)
	}
	if unit.RunID() != "" {
		return fmt.Errorf("%s has an active run; abort it first", unitID)
	}
	if !p.IsAdjacent(unit.GetState(), target) {
		return fmt.Errorf("cannot move %s from %s to %s: one step at a time", unitID, unit.GetState(), target)
	}

	unit.SetState(target)
	// A hand-moved unit starts the new stage with a clean retry budget.
	unit.SetRetryCount(0)
	unit.Touch()
	if err := store.SaveUnit(ctx, c.store, unit); err != nil {
		return err
	}
	c.publish(ctx, events.UnitUpdated, map[string]any{"unit_id": unitID, "state": string(target)})
	fmt.Fprintf(c.out, "moved %s to %s\n", unitID, target)
	return nil
}

func (c *console) printQuestion(ctx context.Context, id string) {
	q, err := c.store.GetQuestion(ctx, id)
	if err != nil {
		fmt.Fprintf(c.out, "%s  (unreadable: %v)\n", id, err)
		return
	}
	fmt.Fprintf(c.out, "%s  from %s\n", q.ID, q.UnitID)
	for _, item := range q.Questions {
		fmt.Fprintf(c.out, "  %s: %s\n", item.Header, item.Question)
		for _, opt := range item.Options {
			fmt.Fprintf(c.out, "    - %s\n", opt)
		}
	}
}

func (c *console) answer(questionID, text string) error {
	err := c.coordinator.Answer(questionID, []workflow.QuestionAnswer{{Other: text}})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "answered %s\n", questionID)
	return nil
}

func (c *console) resolveGate(ctx context.Context, gateID, verdict, note string) error {
	var status workflow.GateStatus
	switch verdict {
	case "approve":
		status = workflow.GateApproved
	case "reject":
		status = workflow.GateRejected
	case "skip":
		status = workflow.GateSkipped
	default:
		return fmt.Errorf("unknown verdict %q (approve, reject, or skip)", verdict)
	}
	if err := c.coordinator.ResolveGate(ctx, gateID, status, "operator", note); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "gate %s %sd\n", gateID, verdict)
	return nil
}

func (c *console) rollback(ctx context.Context, unitID, state, trigger string) error {
	record, err := c.roller.Roll(ctx, unitID, pipeline.State(state), workflow.RollbackTrigger(trigger))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "rolled %s back to %s (%s)\n", unitID, record.ToState, record.ID)
	for _, opt := range record.RecoveryOptions {
		fmt.Fprintf(c.out, "  next: %s\n", opt)
	}
	return nil
}

func unitFlags(u workflow.Unit) string {
	var flags []string
	if u.IsPaused() {
		flags = append(flags, "paused: "+u.PausedReason())
	}
	if u.GatePending() {
		flags = append(flags, "gate pending")
	}
	if hasErr, msg := u.ErrorState(); hasErr {
		count, max := u.Retries()
		flags = append(flags, fmt.Sprintf("error %d/%d: %s", count, max, msg))
	}
	if len(flags) == 0 {
		return ""
	}
	return "  (" + strings.Join(flags, "; ") + ")"
}

func (c *console) publish(ctx context.Context, name string, payload any) {
	if err := c.bus.Publish(ctx, events.New(name, payload)); err != nil {
		c.logger.Warn("publish event", "event", name, "error", err)
	}
}
