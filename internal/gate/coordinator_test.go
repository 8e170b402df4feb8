package gate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benclarkson/foreman/internal/bridge"
	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(timeout time.Duration) (*Coordinator, *store.Memory, *events.Recorder) {
	s := store.NewMemory()
	bus := events.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(s, bus, timeout, logger), s, bus
}

func questionPayload(t *testing.T) json.RawMessage {
	t.Helper()
	input := questionInput{Questions: []workflow.QuestionItem{{
		Question:    "Which database should the service use?",
		Header:      "Database",
		Options:     []string{"postgres", "sqlite"},
		MultiSelect: false,
	}}}
	data, err := json.Marshal(input)
	require.NoError(t, err)
	return data
}

func TestNonReservedToolAllowedUnconditionally(t *testing.T) {
	c, _, bus := newTestCoordinator(time.Second)
	fn := c.PermissionFunc("t-1", "run-1")

	decision, err := fn(context.Background(), bridge.PermissionRequest{
		ToolName:  "Bash",
		ToolUseID: "tu-1",
		Input:     json.RawMessage(`{"command":"ls"}`),
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.ReplaceResult)
	assert.Empty(t, bus.Named(events.QuestionRequested), "no question event for ordinary tools")
}

func TestEmptyQuestionSetAllowedUnmodified(t *testing.T) {
	c, _, bus := newTestCoordinator(time.Second)
	fn := c.PermissionFunc("t-1", "run-1")

	decision, err := fn(context.Background(), bridge.PermissionRequest{
		ToolName:  AskUserTool,
		ToolUseID: "tu-1",
		Input:     json.RawMessage(`{"questions":[]}`),
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.ReplaceResult)
	assert.Empty(t, bus.Named(events.QuestionRequested))
}

func TestQuestionAnsweredSubstitutesResult(t *testing.T) {
	c, s, bus := newTestCoordinator(5 * time.Second)
	fn := c.PermissionFunc("t-1", "run-1")

	var (
		decision bridge.PermissionDecision
		fnErr    error
		wg       sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		decision, fnErr = fn(context.Background(), bridge.PermissionRequest{
			ToolName:  AskUserTool,
			ToolUseID: "tu-1",
			Input:     questionPayload(t),
		})
	}()

	// Wait for the waiter to register, then answer.
	var qid string
	require.Eventually(t, func() bool {
		ids := c.PendingQuestions()
		if len(ids) == 1 {
			qid = ids[0]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Answer(qid, []workflow.QuestionAnswer{{Selected: []string{"postgres"}}}))
	wg.Wait()

	require.NoError(t, fnErr)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.ReplaceResult)
	assert.Equal(t, "Database: postgres", decision.Result)

	q, err := s.GetQuestion(context.Background(), qid)
	require.NoError(t, err)
	assert.Equal(t, workflow.QuestionAnswered, q.Status)
	require.Len(t, q.Answers, 1)
	assert.Equal(t, []string{"postgres"}, q.Answers[0].Selected)
	assert.NotNil(t, q.AnsweredAt)

	assert.Len(t, bus.Named(events.QuestionRequested), 1)
	assert.Len(t, bus.Named(events.QuestionAnswered), 1)
}

func TestMultiSelectAnswersJoined(t *testing.T) {
	got := formatAnswers(
		[]workflow.QuestionItem{{Question: "q", Header: "Scope", Options: []string{"a", "b", "c"}, MultiSelect: true}},
		[]workflow.QuestionAnswer{{Selected: []string{"a", "c"}}},
	)
	assert.Equal(t, "Scope: a, c", got)
}

func TestFreeTextAnswerWinsOverSelection(t *testing.T) {
	got := formatAnswers(
		[]workflow.QuestionItem{{Question: "q", Options: []string{"a", "b"}}},
		[]workflow.QuestionAnswer{{Selected: []string{"a"}, Other: "neither, use c"}},
	)
	assert.Equal(t, "neither, use c", got)
}

func TestAnswerUnknownQuestion(t *testing.T) {
	c, _, _ := newTestCoordinator(time.Second)
	err := c.Answer("q-missing", []workflow.QuestionAnswer{{Other: "x"}})
	assert.ErrorIs(t, err, ErrQuestionNotFound)
}

func TestQuestionTimeout(t *testing.T) {
	c, s, bus := newTestCoordinator(30 * time.Millisecond)
	fn := c.PermissionFunc("t-1", "run-1")

	_, err := fn(context.Background(), bridge.PermissionRequest{
		ToolName:  AskUserTool,
		ToolUseID: "tu-1",
		Input:     questionPayload(t),
	})
	require.ErrorIs(t, err, ErrQuestionTimeout)

	questions := bus.Named(events.QuestionTimeout)
	require.Len(t, questions, 1)

	qid := questions[0].Payload.(map[string]any)["question_id"].(string)
	q, gerr := s.GetQuestion(context.Background(), qid)
	require.NoError(t, gerr)
	assert.Equal(t, workflow.QuestionTimeout, q.Status)
}

func TestCallerDeadlineReportsTimeout(t *testing.T) {
	// The question timeout is long but the caller's ctx expires first, as
	// happens when the permission timeout is the shorter of the two. That
	// is a timeout, not an operator cancellation.
	c, s, bus := newTestCoordinator(10 * time.Second)
	fn := c.PermissionFunc("t-1", "run-1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := fn(ctx, bridge.PermissionRequest{
		ToolName:  AskUserTool,
		ToolUseID: "tu-1",
		Input:     questionPayload(t),
	})
	require.ErrorIs(t, err, ErrQuestionTimeout)

	timeouts := bus.Named(events.QuestionTimeout)
	require.Len(t, timeouts, 1)
	assert.Empty(t, bus.Named(events.QuestionCancelled))

	qid := timeouts[0].Payload.(map[string]any)["question_id"].(string)
	q, gerr := s.GetQuestion(context.Background(), qid)
	require.NoError(t, gerr)
	assert.Equal(t, workflow.QuestionTimeout, q.Status)
}

func TestCancelRunFailsOutstandingWaiters(t *testing.T) {
	c, s, bus := newTestCoordinator(10 * time.Second)
	fn := c.PermissionFunc("t-1", "run-1")

	var (
		fnErr error
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, fnErr = fn(context.Background(), bridge.PermissionRequest{
			ToolName:  AskUserTool,
			ToolUseID: "tu-1",
			Input:     questionPayload(t),
		})
	}()

	var qid string
	require.Eventually(t, func() bool {
		ids := c.PendingQuestions()
		if len(ids) == 1 {
			qid = ids[0]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	c.CancelRun("run-1")
	c.CancelRun("run-1") // second cancellation is a no-op
	wg.Wait()

	require.ErrorIs(t, fnErr, ErrQuestionCancelled)

	q, err := s.GetQuestion(context.Background(), qid)
	require.NoError(t, err)
	assert.Equal(t, workflow.QuestionCancelled, q.Status)
	assert.Len(t, bus.Named(events.QuestionCancelled), 1)

	// The waiter is gone; answering now reports not found.
	assert.ErrorIs(t, c.Answer(qid, nil), ErrQuestionNotFound)
}

func TestCancelRunLeavesOtherRunsAlone(t *testing.T) {
	c, _, _ := newTestCoordinator(10 * time.Second)
	fn := c.PermissionFunc("t-2", "run-2")

	var (
		decision bridge.PermissionDecision
		fnErr    error
		wg       sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		decision, fnErr = fn(context.Background(), bridge.PermissionRequest{
			ToolName:  AskUserTool,
			ToolUseID: "tu-1",
			Input:     questionPayload(t),
		})
	}()

	var qid string
	require.Eventually(t, func() bool {
		ids := c.PendingQuestions()
		if len(ids) == 1 {
			qid = ids[0]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	c.CancelRun("run-1") // different run

	require.NoError(t, c.Answer(qid, []workflow.QuestionAnswer{{Selected: []string{"sqlite"}}}))
	wg.Wait()

	require.NoError(t, fnErr)
	assert.True(t, decision.ReplaceResult)
}
