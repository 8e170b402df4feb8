// Package gate bridges synchronous in-stream agent activity to asynchronous
// human decisions. It owns two mechanisms: human gates, which block a unit's
// scheduling until an external approval resolves them, and interactive
// questions, which suspend a single tool call until a human answers (or a
// timeout or cancellation fires).
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/metrics"
	"github.com/benclarkson/foreman/internal/pipeline"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/workflow"
)

var (
	// ErrGatePending is returned when a second gate is requested for a unit
	// that already has one outstanding.
	ErrGatePending = errors.New("gate: unit already has a pending gate")
	// ErrGateResolved is returned when resolving a gate that is not pending.
	ErrGateResolved = errors.New("gate: gate is not pending")
)

// Policy decides when a successful stage requires a human gate.
type Policy struct {
	// ConfidenceThreshold gates any stage whose reported confidence falls
	// below it. Zero disables confidence gating.
	ConfidenceThreshold float64
	// MandatoryStages always gate on completion.
	MandatoryStages []pipeline.State
}

// ShouldGate reports whether a completed stage needs human approval, and the
// reason if so.
func (p Policy) ShouldGate(state pipeline.State, confidence float64, humanInputRequested bool) (string, bool) {
	if humanInputRequested {
		return "agent requested human input", true
	}
	for _, s := range p.MandatoryStages {
		if s == state {
			return fmt.Sprintf("stage %s requires approval", state), true
		}
	}
	if p.ConfidenceThreshold > 0 && confidence < p.ConfidenceThreshold {
		return fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, p.ConfidenceThreshold), true
	}
	return "", false
}

// RequestGate creates a pending gate for a unit and sets its pending-gate
// flag, blocking further scheduling until resolution.
func (c *Coordinator) RequestGate(ctx context.Context, unit workflow.Unit, reason string) (*workflow.HumanGate, error) {
	if unit.GatePending() {
		return nil, ErrGatePending
	}

	g := workflow.NewHumanGate(unit.GetID(), reason, unit.GetConfidence())
	if err := c.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("save gate: %w", err)
	}

	unit.SetGatePending(true)
	unit.Touch()
	if err := store.SaveUnit(ctx, c.store, unit); err != nil {
		return nil, fmt.Errorf("flag unit %s: %w", unit.GetID(), err)
	}

	c.publish(ctx, events.GateRequested, map[string]any{
		"gate_id":    g.ID,
		"unit_id":    g.UnitID,
		"reason":     g.Reason,
		"confidence": g.Confidence,
	})
	c.logger.Info("gate requested", "gate_id", g.ID, "unit_id", g.UnitID, "reason", reason)
	metrics.GatesRequested.Inc()
	return g, nil
}

// ResolveGate applies a human decision to a pending gate. Approval and skip
// simply unblock the unit; rejection additionally pauses it with the
// resolution note as the pause reason.
func (c *Coordinator) ResolveGate(ctx context.Context, gateID string, status workflow.GateStatus, resolvedBy, note string) error {
	g, err := c.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	if g.Status != workflow.GatePending {
		return fmt.Errorf("%w: %s is %s", ErrGateResolved, gateID, g.Status)
	}
	switch status {
	case workflow.GateApproved, workflow.GateRejected, workflow.GateSkipped:
	default:
		return fmt.Errorf("gate: invalid resolution %q", status)
	}

	now := time.Now().UTC()
	g.Status = status
	g.ResolvedBy = resolvedBy
	g.ResolutionNote = note
	g.ResolvedAt = &now
	if err := c.store.SaveGate(ctx, g); err != nil {
		return fmt.Errorf("save gate: %w", err)
	}

	unit, err := store.LoadUnit(ctx, c.store, g.UnitID)
	if err != nil {
		return fmt.Errorf("load gated unit: %w", err)
	}
	unit.SetGatePending(false)
	if status == workflow.GateRejected {
		reason := note
		if reason == "" {
			reason = "gate rejected"
		}
		unit.Pause(reason)
	}
	unit.Touch()
	if err := store.SaveUnit(ctx, c.store, unit); err != nil {
		return fmt.Errorf("unflag unit %s: %w", unit.GetID(), err)
	}

	c.publish(ctx, events.GateResolved, map[string]any{
		"gate_id":     g.ID,
		"unit_id":     g.UnitID,
		"status":      string(status),
		"resolved_by": resolvedBy,
	})
	if status == workflow.GateRejected {
		c.publish(ctx, events.UnitPaused, map[string]any{
			"unit_id": unit.GetID(),
			"reason":  unit.PausedReason(),
		})
	}
	c.logger.Info("gate resolved", "gate_id", g.ID, "status", status, "resolved_by", resolvedBy)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, name string, payload any) {
	if err := c.bus.Publish(ctx, events.New(name, payload)); err != nil {
		c.logger.Warn("publish event", "event", name, "error", err)
	}
}
