package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benclarkson/foreman/internal/workflow"
)

// Memory is an in-process Store. It copies entities on write and read so
// callers never share mutable state with the store.
type Memory struct {
	mu        sync.RWMutex
	workItems map[string]workflow.WorkItem
	tasks     map[string]workflow.Task
	artifacts map[string][]workflow.Artifact // keyed by unit id
	gates     map[string]workflow.HumanGate
	questions map[string]workflow.AgentQuestion
	rollbacks map[string][]workflow.RollbackRecord // keyed by unit id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workItems: make(map[string]workflow.WorkItem),
		tasks:     make(map[string]workflow.Task),
		artifacts: make(map[string][]workflow.Artifact),
		gates:     make(map[string]workflow.HumanGate),
		questions: make(map[string]workflow.AgentQuestion),
		rollbacks: make(map[string][]workflow.RollbackRecord),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) SaveWorkItem(_ context.Context, item *workflow.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workItems[item.ID] = *item
	return nil
}

func (m *Memory) GetWorkItem(_ context.Context, id string) (*workflow.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.workItems[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return &item, nil
}

func (m *Memory) ListWorkItems(_ context.Context) ([]*workflow.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]*workflow.WorkItem, 0, len(m.workItems))
	for id := range m.workItems {
		item := m.workItems[id]
		items = append(items, &item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *Memory) SaveTask(_ context.Context, task *workflow.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = *task
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*workflow.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return &task, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]*workflow.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]*workflow.Task, 0, len(m.tasks))
	for id := range m.tasks {
		task := m.tasks[id]
		tasks = append(tasks, &task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (m *Memory) ListChildTasks(_ context.Context, parentID string) ([]*workflow.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var children []*workflow.Task
	for id := range m.tasks {
		task := m.tasks[id]
		if task.ParentTaskID == parentID {
			children = append(children, &task)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Order < children[j].Order })
	return children, nil
}

func (m *Memory) ListItemTasks(_ context.Context, workItemID string) ([]*workflow.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tasks []*workflow.Task
	for id := range m.tasks {
		task := m.tasks[id]
		if task.WorkItemID == workItemID {
			tasks = append(tasks, &task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
	return tasks, nil
}

func (m *Memory) AppendArtifact(_ context.Context, artifact *workflow.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.artifacts[artifact.UnitID] {
		if existing.ID == artifact.ID {
			return fmt.Errorf("artifact %s already exists, artifacts are immutable", artifact.ID)
		}
	}
	m.artifacts[artifact.UnitID] = append(m.artifacts[artifact.UnitID], *artifact)
	return nil
}

func (m *Memory) ListArtifacts(_ context.Context, unitID string) ([]*workflow.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.artifacts[unitID]
	artifacts := make([]*workflow.Artifact, 0, len(stored))
	for i := range stored {
		artifact := stored[i]
		artifacts = append(artifacts, &artifact)
	}
	return artifacts, nil
}

func (m *Memory) SaveGate(_ context.Context, gate *workflow.HumanGate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates[gate.ID] = *gate
	return nil
}

func (m *Memory) GetGate(_ context.Context, id string) (*workflow.HumanGate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gate, ok := m.gates[id]
	if !ok {
		return nil, fmt.Errorf("gate %s: %w", id, ErrNotFound)
	}
	return &gate, nil
}

func (m *Memory) SaveQuestion(_ context.Context, question *workflow.AgentQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions[question.ID] = *question
	return nil
}

func (m *Memory) GetQuestion(_ context.Context, id string) (*workflow.AgentQuestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	question, ok := m.questions[id]
	if !ok {
		return nil, fmt.Errorf("question %s: %w", id, ErrNotFound)
	}
	return &question, nil
}

func (m *Memory) AppendRollback(_ context.Context, record *workflow.RollbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks[record.UnitID] = append(m.rollbacks[record.UnitID], *record)
	return nil
}

func (m *Memory) ListRollbacks(_ context.Context, unitID string) ([]*workflow.RollbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.rollbacks[unitID]
	records := make([]*workflow.RollbackRecord, 0, len(stored))
	for i := range stored {
		record := stored[i]
		records = append(records, &record)
	}
	return records, nil
}
