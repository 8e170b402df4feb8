// Package scheduler decides which unit of work runs next and drives the
// protocol bridge for it. It enforces the system-wide invariant that at most
// one agent process is active: a single mutex-guarded "current run" marker is
// checked and set atomically, so the polling loop and the abort path can
// never both believe they control the same run.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/gate"
	"github.com/benclarkson/foreman/internal/metrics"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/transcript"
	"github.com/benclarkson/foreman/internal/workflow"
	"github.com/google/uuid"
)

// Config carries the scheduler's runtime settings.
type Config struct {
	// PollInterval is the tick cadence of the selection loop.
	PollInterval time.Duration

	// ExecutableName is the agent binary looked up on the search path.
	ExecutableName string
	// ExecutablePath short-circuits the lookup when set.
	ExecutablePath string
	// BaseArgs precede the prompt on the agent command line.
	BaseArgs []string
	// WorkDir is the working directory agent processes run in.
	WorkDir string
	// Env entries are merged over the inherited environment.
	Env map[string]string

	// PermissionTimeout bounds a single tool-permission decision.
	PermissionTimeout time.Duration

	// LogDir is where per-run NDJSON logs are written. Empty disables
	// run logging.
	LogDir string

	// Transcript receives one formatted line per notable agent message.
	// Nil disables the live transcript.
	Transcript io.Writer

	// GatePolicy decides when a successful stage requires human approval.
	GatePolicy gate.Policy
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = 15 * time.Minute
	}
}

// activeRun tracks the one run currently executing.
type activeRun struct {
	unitID string
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the selection loop and the single-flight run marker.
type Scheduler struct {
	cfg         Config
	store       store.Store
	bus         events.Publisher
	coordinator *gate.Coordinator
	logger      *slog.Logger
	transcript  *transcript.Formatter

	enabled atomic.Bool

	mu      sync.Mutex
	current *activeRun

	// runFn executes one run; swapped out in tests.
	runFn func(ctx context.Context, unit workflow.Unit, runID string) RunResult
}

// New creates a scheduler. The coordinator may be nil, in which case runs
// launch one-shot with no tool interception.
func New(cfg Config, s store.Store, bus events.Publisher, coordinator *gate.Coordinator, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	sched := &Scheduler{
		cfg:         cfg,
		store:       s,
		bus:         bus,
		coordinator: coordinator,
		logger:      logger,
		transcript:  transcript.NewFormatter(),
	}
	sched.runFn = sched.executeRun
	sched.enabled.Store(true)
	return sched
}

// SetEnabled toggles selection at runtime. Disabling never interrupts an
// already-running agent; it only stops new selections.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
	s.logger.Info("scheduler toggled", "enabled", enabled)
}

// Enabled reports whether selection is active.
func (s *Scheduler) Enabled() bool {
	return s.enabled.Load()
}

// Run drives the polling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick attempts one selection and, if a unit is eligible, executes its run to
// completion. A tick while a run is active is a no-op, not a queued request.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.enabled.Load() {
		return
	}

	// Reserve the single-flight slot before touching the store so two
	// concurrent ticks can never pick the same unit.
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return
	}
	run := &activeRun{done: make(chan struct{})}
	s.current = run
	s.mu.Unlock()

	released := false
	release := func() {
		s.mu.Lock()
		if s.current == run {
			s.current = nil
		}
		s.mu.Unlock()
		if !released {
			released = true
			close(run.done)
		}
	}

	unit, err := s.selectNext(ctx)
	if err != nil {
		s.logger.Error("selection failed", "error", err)
		release()
		return
	}
	if unit == nil {
		release()
		return
	}

	runID := fmt.Sprintf("run-%s", uuid.New().String()[:8])
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	run.unitID = unit.GetID()
	run.runID = runID
	run.cancel = cancel
	s.mu.Unlock()

	unit.SetRunID(runID)
	unit.Touch()
	if err := store.SaveUnit(ctx, s.store, unit); err != nil {
		s.logger.Error("assign run marker", "unit_id", unit.GetID(), "error", err)
		release()
		return
	}

	s.publish(ctx, events.RunScheduled, map[string]any{
		"run_id":  runID,
		"unit_id": unit.GetID(),
		"state":   string(unit.GetState()),
	})
	s.logger.Info("run scheduled",
		"run_id", runID,
		"unit_id", unit.GetID(),
		"state", unit.GetState())

	metrics.RunsStarted.Inc()
	metrics.ActiveRuns.Set(1)

	result := s.runFn(runCtx, unit, runID)

	metrics.ActiveRuns.Set(0)
	metrics.RunsCompleted.WithLabelValues(string(result.Outcome)).Inc()

	// Outcome application uses a context that survives run cancellation:
	// aborting a run must still record its terminal state.
	s.applyOutcome(context.WithoutCancel(ctx), unit, runID, result)
	release()
}

// Abort cancels the active run, if any. Question waiters are cancelled
// before the process is killed so no coordinator goroutine blocks forever.
// Returns false when no run is active.
func (s *Scheduler) Abort() bool {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()

	if run == nil || run.cancel == nil {
		return false
	}
	s.logger.Info("aborting run", "run_id", run.runID, "unit_id", run.unitID)
	if s.coordinator != nil {
		s.coordinator.CancelRun(run.runID)
	}
	run.cancel()
	return true
}

// ActiveRun returns the ids of the executing run, or empty strings when idle.
func (s *Scheduler) ActiveRun() (unitID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", ""
	}
	return s.current.unitID, s.current.runID
}

// selectNext picks the most eligible unit: work items before tasks (intake
// refinement drains before execution work), then priority descending, then
// earlier pipeline stage, then oldest first. Only leaf tasks qualify.
func (s *Scheduler) selectNext(ctx context.Context) (workflow.Unit, error) {
	items, err := s.store.ListWorkItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	var pool []workflow.Unit
	for _, item := range items {
		if eligible(item) {
			pool = append(pool, item)
		}
	}

	if len(pool) == 0 {
		tasks, err := s.store.ListTasks(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		hasChildren := make(map[string]bool)
		for _, task := range tasks {
			if task.ParentTaskID != "" {
				hasChildren[task.ParentTaskID] = true
			}
		}
		for _, task := range tasks {
			if hasChildren[task.ID] {
				continue
			}
			if eligible(task) {
				pool = append(pool, task)
			}
		}
	}

	if len(pool) == 0 {
		return nil, nil
	}

	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.GetPriority() != b.GetPriority() {
			return a.GetPriority() > b.GetPriority()
		}
		ai := a.GetPipeline().Index(a.GetState())
		bi := b.GetPipeline().Index(b.GetState())
		if ai != bi {
			return ai < bi
		}
		return a.GetCreatedAt().Before(b.GetCreatedAt())
	})
	return pool[0], nil
}

// eligible applies the selection filters: schedulable state, not paused, no
// pending gate, no assigned run, and not errored out of retries.
func eligible(u workflow.Unit) bool {
	if !u.GetPipeline().Schedulable(u.GetState()) {
		return false
	}
	if u.IsPaused() || u.GatePending() || u.RunID() != "" {
		return false
	}
	hasError, _ := u.ErrorState()
	count, max := u.Retries()
	if hasError && count >= max {
		return false
	}
	return true
}

func (s *Scheduler) publish(ctx context.Context, name string, payload any) {
	if err := s.bus.Publish(ctx, events.New(name, payload)); err != nil {
		s.logger.Warn("publish event", "event", name, "error", err)
	}
}
