package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benclarkson/foreman/internal/bridge"
	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/metrics"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/workflow"
)

// AskUserTool is the one reserved tool name the coordinator intercepts.
// Every other tool is permitted unconditionally.
const AskUserTool = "AskUserQuestion"

// DefaultQuestionTimeout bounds how long a run blocks on one question.
const DefaultQuestionTimeout = 10 * time.Minute

var (
	// ErrQuestionNotFound is returned when answering a question with no
	// outstanding wait handle.
	ErrQuestionNotFound = errors.New("gate: no pending question with that id")
	// ErrQuestionTimeout aborts the run when a question expires unanswered.
	ErrQuestionTimeout = errors.New("gate: question timed out")
	// ErrQuestionCancelled aborts the permission call when the run is
	// cancelled while a question is outstanding.
	ErrQuestionCancelled = errors.New("gate: question cancelled")
)

// Coordinator owns gate and question state: the persistence of both entity
// types, the waiter table keyed by question id, and the tool-permission
// callback that suspends a run on the reserved question tool.
type Coordinator struct {
	store           store.Store
	bus             events.Publisher
	logger          *slog.Logger
	questionTimeout time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewCoordinator wires a coordinator to its ports. A zero questionTimeout
// falls back to DefaultQuestionTimeout.
func NewCoordinator(s store.Store, bus events.Publisher, questionTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if questionTimeout <= 0 {
		questionTimeout = DefaultQuestionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:           s,
		bus:             bus,
		logger:          logger,
		questionTimeout: questionTimeout,
		waiters:         make(map[string]*waiter),
	}
}

// questionInput is the shape the reserved tool's payload decodes into.
type questionInput struct {
	Questions []workflow.QuestionItem `json:"questions"`
}

// PermissionFunc returns the bridge-facing tool-permission callback for one
// run. Only AskUserTool is intercepted; its tool call blocks until a human
// answers, the per-question timeout fires, or the run is cancelled.
func (c *Coordinator) PermissionFunc(unitID, runID string) bridge.PermissionFunc {
	return func(ctx context.Context, req bridge.PermissionRequest) (bridge.PermissionDecision, error) {
		if req.ToolName != AskUserTool {
			return bridge.Allow(), nil
		}

		var input questionInput
		if err := json.Unmarshal(req.Input, &input); err != nil || len(input.Questions) == 0 {
			// Nothing we can surface to a human; let the tool call proceed
			// unmodified.
			return bridge.Allow(), nil
		}

		question := workflow.NewAgentQuestion(unitID, runID, req.ToolUseID, input.Questions, c.questionTimeout)
		if err := c.store.SaveQuestion(ctx, question); err != nil {
			return bridge.PermissionDecision{}, fmt.Errorf("save question: %w", err)
		}

		w := newWaiter(question.ID, runID)
		c.mu.Lock()
		c.waiters[question.ID] = w
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.waiters, question.ID)
			c.mu.Unlock()
		}()

		c.publish(ctx, events.QuestionRequested, map[string]any{
			"question_id": question.ID,
			"unit_id":     unitID,
			"run_id":      runID,
			"questions":   question.Questions,
			"timeout_at":  question.TimeoutAt,
		})
		c.logger.Info("question requested",
			"question_id", question.ID,
			"unit_id", unitID,
			"count", len(input.Questions))
		metrics.QuestionsAsked.Inc()

		timer := time.NewTimer(c.questionTimeout)
		defer timer.Stop()

		select {
		case <-w.done:
		case <-timer.C:
			w.fail(ErrQuestionTimeout)
		case <-ctx.Done():
			// The ctx carries the caller's permission deadline as well as
			// run cancellation. An expired deadline is a timeout; only a
			// genuine cancellation marks the question cancelled.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				w.fail(ErrQuestionTimeout)
			} else {
				w.fail(ErrQuestionCancelled)
			}
		}

		switch {
		case w.err == nil:
			c.finishQuestion(ctx, question, workflow.QuestionAnswered, w.answers)
			return bridge.AllowWithResult(formatAnswers(question.Questions, w.answers)), nil
		case errors.Is(w.err, ErrQuestionTimeout):
			c.finishQuestion(ctx, question, workflow.QuestionTimeout, nil)
			return bridge.PermissionDecision{}, w.err
		default:
			c.finishQuestion(ctx, question, workflow.QuestionCancelled, nil)
			return bridge.PermissionDecision{}, w.err
		}
	}
}

// Answer submits a human answer set for a pending question and unblocks
// exactly one waiting permission call. Answering a question with no
// outstanding waiter returns ErrQuestionNotFound and has no side effect.
func (c *Coordinator) Answer(questionID string, answers []workflow.QuestionAnswer) error {
	c.mu.Lock()
	w, ok := c.waiters[questionID]
	c.mu.Unlock()
	if !ok {
		return ErrQuestionNotFound
	}
	if !w.complete(answers) {
		return ErrQuestionNotFound
	}
	return nil
}

// CancelRun fails every outstanding waiter belonging to a run. Called before
// the run's process is killed so no permission call blocks forever on an
// answer that will never arrive. Idempotent.
func (c *Coordinator) CancelRun(runID string) {
	c.mu.Lock()
	var cancelled []*waiter
	for _, w := range c.waiters {
		if w.runID == runID {
			cancelled = append(cancelled, w)
		}
	}
	c.mu.Unlock()

	for _, w := range cancelled {
		if w.fail(ErrQuestionCancelled) {
			c.logger.Info("question cancelled with run", "question_id", w.questionID, "run_id", runID)
		}
	}
}

// PendingQuestions returns the ids of questions currently awaiting answers.
func (c *Coordinator) PendingQuestions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.waiters))
	for id := range c.waiters {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) finishQuestion(ctx context.Context, q *workflow.AgentQuestion, status workflow.QuestionStatus, answers []workflow.QuestionAnswer) {
	q.Status = status
	q.Answers = answers
	if status == workflow.QuestionAnswered {
		now := time.Now().UTC()
		q.AnsweredAt = &now
	}
	// Persist with a fresh context: the run context may already be dead and
	// the terminal status must still be recorded.
	if err := c.store.SaveQuestion(context.WithoutCancel(ctx), q); err != nil {
		c.logger.Warn("save question state", "question_id", q.ID, "error", err)
	}

	name := map[workflow.QuestionStatus]string{
		workflow.QuestionAnswered:  events.QuestionAnswered,
		workflow.QuestionTimeout:   events.QuestionTimeout,
		workflow.QuestionCancelled: events.QuestionCancelled,
	}[status]
	c.publish(context.WithoutCancel(ctx), name, map[string]any{
		"question_id": q.ID,
		"unit_id":     q.UnitID,
		"run_id":      q.RunID,
		"status":      string(status),
	})
	metrics.QuestionsResolved.WithLabelValues(string(status)).Inc()
}

// formatAnswers translates submitted answers back into the plain-text shape
// the agent expects: free-text "other" answers verbatim, otherwise the
// selected option labels joined for multi-select.
func formatAnswers(questions []workflow.QuestionItem, answers []workflow.QuestionAnswer) string {
	var lines []string
	for i, q := range questions {
		if i >= len(answers) {
			break
		}
		a := answers[i]
		text := a.Other
		if text == "" {
			text = strings.Join(a.Selected, ", ")
		}
		if q.Header != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", q.Header, text))
		} else {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}
