package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/benclarkson/foreman/internal/bridge"
	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/gate"
	"github.com/benclarkson/foreman/internal/metrics"
	"github.com/benclarkson/foreman/internal/prompts"
	"github.com/benclarkson/foreman/internal/protocol"
	"github.com/benclarkson/foreman/internal/runlog"
	"github.com/benclarkson/foreman/internal/workflow"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// RunResult carries everything the outcome handler needs from one run.
type RunResult struct {
	Outcome   Outcome
	Err       error
	Output    string
	SessionID string

	// HumanInputRequested is set when the agent invoked the reserved
	// question tool during the run; it feeds the gate policy.
	HumanInputRequested bool

	InputTokens  int
	OutputTokens int
	CostUSD      float64
	NumTurns     int
}

// executeRun launches one agent process for the unit's current stage and
// consumes its message stream until exit.
func (s *Scheduler) executeRun(ctx context.Context, unit workflow.Unit, runID string) RunResult {
	execPath, err := bridge.ResolveExecutable(s.cfg.ExecutableName, s.cfg.ExecutablePath)
	if err != nil {
		return RunResult{Outcome: OutcomeError, Err: err}
	}

	prompt := prompts.ForUnit(unit)
	args := make([]string, 0, len(s.cfg.BaseArgs)+2)
	args = append(args, s.cfg.BaseArgs...)
	args = append(args, "-p", prompt)

	var permFn bridge.PermissionFunc
	interactive := s.coordinator != nil
	if interactive {
		permFn = s.coordinator.PermissionFunc(unit.GetID(), runID)
	}

	var log *runlog.Log
	if s.cfg.LogDir != "" {
		log, err = runlog.Open(s.cfg.LogDir, runID, s.logger)
		if err != nil {
			// A run is worth more than its audit trail.
			s.logger.Warn("open run log", "run_id", runID, "error", err)
			log = nil
		} else {
			defer log.Close()
			_ = log.AppendNote(fmt.Sprintf("run started for %s in state %s", unit.GetID(), unit.GetState()))
		}
	}

	proc, err := bridge.Start(ctx, bridge.Options{
		Path:          execPath,
		Args:          args,
		Dir:           s.cfg.WorkDir,
		Env:           s.cfg.Env,
		KeepStdinOpen: interactive,
		Logger:        s.logger,
	})
	if err != nil {
		return RunResult{Outcome: OutcomeError, Err: fmt.Errorf("start agent: %w", err)}
	}
	defer proc.Dispose()

	result := s.consume(ctx, proc, permFn, log, runID)

	if log != nil {
		_ = log.AppendNote(fmt.Sprintf("run finished: %s", result.Outcome))
		s.publish(ctx, events.LogAppended, map[string]any{
			"run_id":  runID,
			"unit_id": unit.GetID(),
			"path":    log.Path(),
			"lines":   log.Lines(),
		})
	}
	return result
}

// consume reads the stream to EOF, handling tool-permission requests inline,
// then waits for the process and classifies the result.
func (s *Scheduler) consume(ctx context.Context, proc *bridge.Process, permFn bridge.PermissionFunc, log *runlog.Log, runID string) RunResult {
	var (
		out       RunResult
		textParts []string
		result    *protocol.ResultMessage
	)

	for {
		raw, err := proc.ReadMessage(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				out.Outcome = OutcomeCancelled
				out.Err = ctx.Err()
				return out
			}
			out.Outcome = OutcomeError
			out.Err = fmt.Errorf("read agent stream: %w", err)
			return out
		}

		if log != nil {
			if lerr := log.AppendMessage(raw); lerr != nil {
				s.logger.Warn("append run log", "run_id", runID, "error", lerr)
			}
		}

		msg, derr := protocol.DecodeMessage(raw)
		if derr != nil {
			// A garbled line is the agent's problem, not a run failure.
			s.logger.Warn("skipping malformed agent message", "run_id", runID, "error", derr)
			continue
		}

		if s.cfg.Transcript != nil {
			if line := s.transcript.Format(msg); line != "" {
				fmt.Fprintln(s.cfg.Transcript, line)
			}
		}

		switch m := msg.(type) {
		case *protocol.SystemMessage:
			out.SessionID = m.SessionID
		case *protocol.AssistantMessage:
			if text := m.Text(); text != "" {
				textParts = append(textParts, text)
			}
			for _, use := range m.ToolUses() {
				if use.Name == gate.AskUserTool {
					out.HumanInputRequested = true
				}
				if err := s.handleToolUse(ctx, proc, permFn, use, out.SessionID, runID); err != nil {
					if ctx.Err() != nil || errors.Is(err, gate.ErrQuestionCancelled) {
						out.Outcome = OutcomeCancelled
						out.Err = err
						return out
					}
					out.Outcome = OutcomeError
					out.Err = err
					return out
				}
			}
		case *protocol.ResultMessage:
			result = m
		}
	}

	proc.CloseStdin()
	waitErr := proc.Wait()

	if ctx.Err() != nil {
		out.Outcome = OutcomeCancelled
		out.Err = ctx.Err()
		return out
	}
	if waitErr != nil {
		out.Outcome = OutcomeError
		out.Err = waitErr
		return out
	}

	if result != nil {
		out.SessionID = result.SessionID
		out.InputTokens = result.InputTokens
		out.OutputTokens = result.OutputTokens
		out.CostUSD = result.CostUSD
		out.NumTurns = result.NumTurns
		metrics.TokensConsumed.WithLabelValues("input").Add(float64(result.InputTokens))
		metrics.TokensConsumed.WithLabelValues("output").Add(float64(result.OutputTokens))
		if result.IsError {
			out.Outcome = OutcomeError
			out.Err = fmt.Errorf("agent reported failure: %s", result.Result)
			return out
		}
		out.Output = result.Result
	}
	if out.Output == "" {
		out.Output = strings.Join(textParts, "\n")
	}
	out.Outcome = OutcomeSuccess
	return out
}

// handleToolUse routes one tool invocation through the permission callback
// and writes any substituted or denied result back to the agent.
func (s *Scheduler) handleToolUse(ctx context.Context, proc *bridge.Process, permFn bridge.PermissionFunc, use *protocol.ToolUseBlock, sessionID, runID string) error {
	if permFn == nil {
		return nil
	}

	permCtx, cancel := context.WithTimeout(ctx, s.cfg.PermissionTimeout)
	defer cancel()

	decision, err := permFn(permCtx, bridge.PermissionRequest{
		ToolName:   use.Name,
		ToolUseID:  use.ID,
		Input:      use.Input,
		WorkingDir: s.cfg.WorkDir,
		SessionID:  sessionID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("permission decision for %s timed out: %w", use.Name, err)
		}
		return fmt.Errorf("permission decision for %s: %w", use.Name, err)
	}

	switch {
	case decision.Allowed && decision.ReplaceResult:
		if err := proc.WriteLine(protocol.NewToolResultReply(use.ID, decision.Result, false)); err != nil {
			return fmt.Errorf("write tool result for %s: %w", use.Name, err)
		}
		return nil
	case decision.Allowed:
		return nil
	case decision.Interrupt:
		return fmt.Errorf("tool %s denied: %s", use.Name, decision.Message)
	default:
		// Soft denial: tell the agent and let the run continue.
		if err := proc.WriteLine(protocol.NewToolResultReply(use.ID, decision.Message, true)); err != nil {
			return fmt.Errorf("write denial for %s: %w", use.Name, err)
		}
		return nil
	}
}
