// Package rollback implements the explicit failure-recovery operation: jump a
// unit's state backward to an earlier stage, reset its stage-local counters,
// and leave an immutable audit record behind. This is bookkeeping only; no
// workspace or version-control state is touched.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/pipeline"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/workflow"
	"github.com/google/uuid"
)

var (
	// ErrNotEarlier rejects a rollback target at or after the current state.
	ErrNotEarlier = errors.New("rollback: target state is not earlier than current state")
	// ErrRunActive rejects rolling back a unit with an assigned run.
	ErrRunActive = errors.New("rollback: unit has an active run")
)

// recoveryOptions is the static human-facing menu per trigger. Options are
// never computed from unit state.
var recoveryOptions = map[workflow.RollbackTrigger][]string{
	workflow.TriggerMaxRetries: {
		"Review the last error message and adjust the unit description",
		"Increase the retry limit and resume",
		"Split the unit into smaller tasks",
	},
	workflow.TriggerRejected: {
		"Address the rejection note and resume from the target stage",
		"Discuss the rejection with the reviewer before resuming",
	},
	workflow.TriggerRegression: {
		"Inspect recent artifacts for the regressing change",
		"Re-run verification from the target stage",
	},
	workflow.TriggerManualAbort: {
		"Resume from the target stage when ready",
		"Adjust the unit description before resuming",
	},
}

// Manager performs rollbacks against the persistence and event ports.
type Manager struct {
	store   store.Store
	bus     events.Publisher
	logger  *slog.Logger
	workDir string
}

// New creates a rollback manager. workDir is where git metadata is probed;
// empty means the current directory.
func New(s store.Store, bus events.Publisher, workDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, bus: bus, logger: logger, workDir: workDir}
}

// Roll force-sets the unit's state to target, resets retry and error
// counters, and appends an immutable RollbackRecord noting which artifacts
// survive the jump. The target must be strictly earlier in the unit's
// pipeline than its current state.
func (m *Manager) Roll(ctx context.Context, unitID string, target pipeline.State, trigger workflow.RollbackTrigger) (*workflow.RollbackRecord, error) {
	unit, err := store.LoadUnit(ctx, m.store, unitID)
	if err != nil {
		return nil, err
	}

	p := unit.GetPipeline()
	from := unit.GetState()
	if !p.Valid(target) {
		return nil, fmt.Errorf("rollback: %q is not a %s state", target, p)
	}
	if !p.IsEarlier(target, from) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotEarlier, from, target)
	}
	if unit.RunID() != "" {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, unit.RunID())
	}
	if _, ok := recoveryOptions[trigger]; !ok {
		return nil, fmt.Errorf("rollback: unknown trigger %q", trigger)
	}

	m.publish(ctx, events.RollbackInitiated, map[string]any{
		"unit_id": unitID,
		"from":    string(from),
		"to":      string(target),
		"trigger": string(trigger),
	})

	record := &workflow.RollbackRecord{
		ID:        fmt.Sprintf("rb-%s", uuid.New().String()[:8]),
		UnitID:    unitID,
		Trigger:   trigger,
		FromState: from,
		ToState:   target,
		GitHead:   m.gitHead(ctx),
		CreatedAt: time.Now().UTC(),
	}

	// Artifacts from the rolled-back stages are kept, not deleted; the record
	// references them so superseded output stays auditable.
	artifacts, err := m.store.ListArtifacts(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	for _, a := range artifacts {
		if !p.IsEarlier(a.Stage, target) {
			record.PreservedArtifactIDs = append(record.PreservedArtifactIDs, a.ID)
		}
	}

	unit.SetState(target)
	unit.ClearError()
	unit.SetGatePending(false)
	unit.Touch()
	record.ActionsTaken = []string{
		fmt.Sprintf("state forced from %s to %s", from, target),
		"retry counter and error state cleared",
		"pending gate flag cleared",
	}
	record.RecoveryOptions = recoveryOptions[trigger]

	if err := store.SaveUnit(ctx, m.store, unit); err != nil {
		return nil, fmt.Errorf("save unit %s: %w", unitID, err)
	}
	if err := m.store.AppendRollback(ctx, record); err != nil {
		return nil, fmt.Errorf("append rollback record: %w", err)
	}

	m.publish(ctx, events.RollbackCompleted, map[string]any{
		"rollback_id": record.ID,
		"unit_id":     unitID,
		"from":        string(from),
		"to":          string(target),
		"trigger":     string(trigger),
		"preserved":   len(record.PreservedArtifactIDs),
	})
	m.logger.Info("rollback completed",
		"rollback_id", record.ID,
		"unit_id", unitID,
		"from", from,
		"to", target,
		"trigger", trigger)
	return record, nil
}

// gitHead snapshots the repository HEAD for the audit trail. Best effort: a
// missing git binary or a non-repository directory yields an empty string.
func (m *Manager) gitHead(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = m.workDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (m *Manager) publish(ctx context.Context, name string, payload any) {
	if err := m.bus.Publish(ctx, events.New(name, payload)); err != nil {
		m.logger.Warn("publish event", "event", name, "error", err)
	}
}
