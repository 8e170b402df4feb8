package rollback

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/pipeline"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/workflow"
)

func newManager(t *testing.T) (*Manager, *store.Memory, *events.Recorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := events.NewRecorder()
	return New(mem, rec, t.TempDir(), slog.Default()), mem, rec
}

func TestRollResetsStateAndCounters(t *testing.T) {
	m, mem, rec := newManager(t)
	ctx := context.Background()

	task := workflow.NewTask("wi-1", "stuck", "", 0)
	task.State = pipeline.TaskVerifying
	task.HasError = true
	task.LastError = "tests keep failing"
	task.RetryCount = 3
	task.PendingGate = true
	require.NoError(t, mem.SaveTask(ctx, task))

	record, err := m.Roll(ctx, task.ID, pipeline.TaskPlanning, workflow.TriggerMaxRetries)
	require.NoError(t, err)

	assert.Equal(t, pipeline.TaskVerifying, record.FromState)
	assert.Equal(t, pipeline.TaskPlanning, record.ToState)
	assert.Equal(t, workflow.TriggerMaxRetries, record.Trigger)
	assert.NotEmpty(t, record.RecoveryOptions)
	assert.NotEmpty(t, record.ActionsTaken)

	got, err := mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskPlanning, got.State)
	assert.False(t, got.HasError)
	assert.Empty(t, got.LastError)
	assert.Zero(t, got.RetryCount)
	assert.False(t, got.PendingGate)

	records, err := mem.ListRollbacks(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)

	require.Len(t, rec.Named(events.RollbackInitiated), 1)
	require.Len(t, rec.Named(events.RollbackCompleted), 1)
}

func TestRollReferencesRolledBackArtifacts(t *testing.T) {
	m, mem, _ := newManager(t)
	ctx := context.Background()

	task := workflow.NewTask("wi-1", "redo", "", 0)
	task.State = pipeline.TaskVerifying
	require.NoError(t, mem.SaveTask(ctx, task))

	research := workflow.NewArtifact(task.ID, pipeline.TaskResearch, workflow.ArtifactResearch, "notes")
	plan := workflow.NewArtifact(task.ID, pipeline.TaskPlanning, workflow.ArtifactPlan, "plan")
	code := workflow.NewArtifact(task.ID, pipeline.TaskImplementing, workflow.ArtifactCode, "diff")
	require.NoError(t, mem.AppendArtifact(ctx, research))
	require.NoError(t, mem.AppendArtifact(ctx, plan))
	require.NoError(t, mem.AppendArtifact(ctx, code))

	record, err := m.Roll(ctx, task.ID, pipeline.TaskImplementing, workflow.TriggerRegression)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{code.ID}, record.PreservedArtifactIDs)
	assert.NotContains(t, record.PreservedArtifactIDs, research.ID)
	assert.NotContains(t, record.PreservedArtifactIDs, plan.ID)
}

func TestRollRejectsInvalidTargets(t *testing.T) {
	m, mem, _ := newManager(t)
	ctx := context.Background()

	task := workflow.NewTask("wi-1", "early", "", 0)
	task.State = pipeline.TaskPlanning
	require.NoError(t, mem.SaveTask(ctx, task))

	_, err := m.Roll(ctx, task.ID, pipeline.TaskPlanning, workflow.TriggerManualAbort)
	assert.ErrorIs(t, err, ErrNotEarlier)

	_, err = m.Roll(ctx, task.ID, pipeline.TaskVerifying, workflow.TriggerManualAbort)
	assert.ErrorIs(t, err, ErrNotEarlier)

	_, err = m.Roll(ctx, task.ID, pipeline.WorkItemRefining, workflow.TriggerManualAbort)
	assert.Error(t, err)

	_, err = m.Roll(ctx, task.ID, pipeline.TaskBacklog, workflow.RollbackTrigger("bogus"))
	assert.Error(t, err)

	_, err = m.Roll(ctx, "missing", pipeline.TaskBacklog, workflow.TriggerManualAbort)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRollRejectsActiveRun(t *testing.T) {
	m, mem, _ := newManager(t)
	ctx := context.Background()

	task := workflow.NewTask("wi-1", "busy", "", 0)
	task.State = pipeline.TaskImplementing
	task.AssignedRunID = "run-12345678"
	require.NoError(t, mem.SaveTask(ctx, task))

	_, err := m.Roll(ctx, task.ID, pipeline.TaskPlanning, workflow.TriggerManualAbort)
	assert.ErrorIs(t, err, ErrRunActive)
}

func TestRollWorkItemPipeline(t *testing.T) {
	m, mem, _ := newManager(t)
	ctx := context.Background()

	item := workflow.NewWorkItem("redo intake", "", 0)
	item.State = pipeline.WorkItemSplitting
	require.NoError(t, mem.SaveWorkItem(ctx, item))

	record, err := m.Roll(ctx, item.ID, pipeline.WorkItemRefining, workflow.TriggerRejected)
	require.NoError(t, err)
	assert.Equal(t, pipeline.WorkItemRefining, record.ToState)

	got, err := mem.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.WorkItemRefining, got.State)
}
