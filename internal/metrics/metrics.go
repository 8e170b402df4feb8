// Package metrics exposes the orchestrator's Prometheus instrumentation.
// Collectors register on the default registry; serving them is left to the
// embedding process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts agent runs opened by the scheduler.
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_runs_started_total",
		Help: "Number of agent runs started.",
	})

	// RunsCompleted counts finished runs by outcome (success, error, cancelled).
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_runs_completed_total",
		Help: "Number of agent runs completed, labelled by outcome.",
	}, []string{"outcome"})

	// ActiveRuns is 1 while an agent process is executing, 0 otherwise.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_active_runs",
		Help: "Number of currently executing agent runs (0 or 1).",
	})

	// QuestionsAsked counts interactive questions surfaced to humans.
	QuestionsAsked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_questions_asked_total",
		Help: "Number of interactive agent questions raised.",
	})

	// QuestionsResolved counts question resolutions by terminal status.
	QuestionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_questions_resolved_total",
		Help: "Number of questions resolved, labelled by status.",
	}, []string{"status"})

	// GatesRequested counts human gates raised.
	GatesRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_gates_requested_total",
		Help: "Number of human gates requested.",
	})

	// TokensConsumed accumulates token usage reported by the agent.
	TokensConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_tokens_total",
		Help: "Token usage reported by agent runs, labelled by direction.",
	}, []string{"direction"})
)
