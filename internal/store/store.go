// Package store defines the persistence port consumed by the orchestration
// core, together with a thread-safe in-memory implementation. Durable storage
// is an external collaborator; anything satisfying Store can be plugged in.
package store

import (
	"context"
	"errors"

	"github.com/benclarkson/foreman/internal/workflow"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence port for orchestration entities. Artifacts and
// rollback records are append-only; implementations must reject mutation of
// existing entries for those.
type Store interface {
	SaveWorkItem(ctx context.Context, item *workflow.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*workflow.WorkItem, error)
	ListWorkItems(ctx context.Context) ([]*workflow.WorkItem, error)

	SaveTask(ctx context.Context, task *workflow.Task) error
	GetTask(ctx context.Context, id string) (*workflow.Task, error)
	ListTasks(ctx context.Context) ([]*workflow.Task, error)
	// ListChildTasks returns the direct children of a parent task in
	// execution order.
	ListChildTasks(ctx context.Context, parentID string) ([]*workflow.Task, error)
	// ListItemTasks returns every task belonging to a work item in
	// execution order.
	ListItemTasks(ctx context.Context, workItemID string) ([]*workflow.Task, error)

	AppendArtifact(ctx context.Context, artifact *workflow.Artifact) error
	ListArtifacts(ctx context.Context, unitID string) ([]*workflow.Artifact, error)

	SaveGate(ctx context.Context, gate *workflow.HumanGate) error
	GetGate(ctx context.Context, id string) (*workflow.HumanGate, error)

	SaveQuestion(ctx context.Context, question *workflow.AgentQuestion) error
	GetQuestion(ctx context.Context, id string) (*workflow.AgentQuestion, error)

	AppendRollback(ctx context.Context, record *workflow.RollbackRecord) error
	ListRollbacks(ctx context.Context, unitID string) ([]*workflow.RollbackRecord, error)
}

// LoadUnit fetches a unit by id, trying work items first, then tasks.
func LoadUnit(ctx context.Context, s Store, id string) (workflow.Unit, error) {
	if item, err := s.GetWorkItem(ctx, id); err == nil {
		return item, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// SaveUnit persists a unit through the matching typed method.
func SaveUnit(ctx context.Context, s Store, unit workflow.Unit) error {
	switch u := unit.(type) {
	case *workflow.WorkItem:
		return s.SaveWorkItem(ctx, u)
	case *workflow.Task:
		return s.SaveTask(ctx, u)
	default:
		return errors.New("store: unknown unit type")
	}
}
