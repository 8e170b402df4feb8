package gate

import (
	"context"
	"testing"
	"time"

	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/pipeline"
	"github.com/benclarkson/foreman/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestGateFlagsUnit(t *testing.T) {
	c, s, bus := newTestCoordinator(time.Second)
	ctx := context.Background()

	item := workflow.NewWorkItem("risky change", "", 0)
	item.Confidence = 0.4
	require.NoError(t, s.SaveWorkItem(ctx, item))

	g, err := c.RequestGate(ctx, item, "confidence below threshold")
	require.NoError(t, err)
	assert.Equal(t, workflow.GatePending, g.Status)
	assert.Equal(t, 0.4, g.Confidence)

	stored, err := s.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, stored.PendingGate)
	assert.Len(t, bus.Named(events.GateRequested), 1)

	// Only one gate may be outstanding per unit.
	_, err = c.RequestGate(ctx, item, "again")
	assert.ErrorIs(t, err, ErrGatePending)
}

func TestResolveGateApproved(t *testing.T) {
	c, s, bus := newTestCoordinator(time.Second)
	ctx := context.Background()

	task := workflow.NewTask("wi-1", "implement", "", 0)
	require.NoError(t, s.SaveTask(ctx, task))
	g, err := c.RequestGate(ctx, task, "mandatory review")
	require.NoError(t, err)

	require.NoError(t, c.ResolveGate(ctx, g.ID, workflow.GateApproved, "alice", "looks fine"))

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, stored.PendingGate)
	assert.False(t, stored.Paused)

	resolved, err := s.GetGate(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.GateApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Len(t, bus.Named(events.GateResolved), 1)

	// A gate resolves once.
	err = c.ResolveGate(ctx, g.ID, workflow.GateSkipped, "bob", "")
	assert.ErrorIs(t, err, ErrGateResolved)
}

func TestResolveGateRejectedPausesUnit(t *testing.T) {
	c, s, bus := newTestCoordinator(time.Second)
	ctx := context.Background()

	task := workflow.NewTask("wi-1", "implement", "", 0)
	require.NoError(t, s.SaveTask(ctx, task))
	g, err := c.RequestGate(ctx, task, "low confidence")
	require.NoError(t, err)

	require.NoError(t, c.ResolveGate(ctx, g.ID, workflow.GateRejected, "alice", "plan misses the migration"))

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, stored.PendingGate)
	assert.True(t, stored.Paused)
	assert.Equal(t, "plan misses the migration", stored.PauseReason)
	assert.Len(t, bus.Named(events.UnitPaused), 1)
}

func TestShouldGate(t *testing.T) {
	policy := Policy{
		ConfidenceThreshold: 0.7,
		MandatoryStages:     []pipeline.State{pipeline.TaskReviewing},
	}

	tests := []struct {
		name       string
		state      pipeline.State
		confidence float64
		humanInput bool
		want       bool
	}{
		{"confident and ordinary", pipeline.TaskPlanning, 0.9, false, false},
		{"below threshold", pipeline.TaskPlanning, 0.5, false, true},
		{"mandatory stage", pipeline.TaskReviewing, 0.99, false, true},
		{"agent asked for human", pipeline.TaskPlanning, 0.99, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, gated := policy.ShouldGate(tt.state, tt.confidence, tt.humanInput)
			assert.Equal(t, tt.want, gated)
			if gated {
				assert.NotEmpty(t, reason)
			}
		})
	}

	_, gated := Policy{}.ShouldGate(pipeline.TaskPlanning, 0.1, false)
	assert.False(t, gated, "zero threshold disables confidence gating")
}
