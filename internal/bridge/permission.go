package bridge

import (
	"context"
	"encoding/json"
)

// PermissionRequest describes one tool-use block awaiting a decision. Input
// is the tool's opaque structured payload; only the interactive-question
// interceptor ever imposes a shape on it.
type PermissionRequest struct {
	ToolName   string
	ToolUseID  string
	Input      json.RawMessage
	WorkingDir string
	SessionID  string
}

// PermissionDecision is the outcome of a tool-permission callback.
type PermissionDecision struct {
	Allowed bool

	// ReplaceResult substitutes Result for the tool's own output, completing
	// the call as if the tool had run.
	ReplaceResult bool
	Result        string

	// Message explains a denial.
	Message string
	// Interrupt escalates a denial to a run-level error instead of a
	// synthetic error tool result.
	Interrupt bool
}

// Allow permits the tool call to proceed unmodified.
func Allow() PermissionDecision {
	return PermissionDecision{Allowed: true}
}

// AllowWithResult permits the tool call and substitutes its result.
func AllowWithResult(result string) PermissionDecision {
	return PermissionDecision{Allowed: true, ReplaceResult: true, Result: result}
}

// Deny refuses the tool call. With interrupt set the run aborts; without it
// the denial becomes an error tool result and the run continues.
func Deny(message string, interrupt bool) PermissionDecision {
	return PermissionDecision{Message: message, Interrupt: interrupt}
}

// PermissionFunc is invoked once per tool-use block before its result is
// produced. It must honor ctx; the caller bounds it with the per-call
// timeout layered under the run's cancellation.
type PermissionFunc func(ctx context.Context, req PermissionRequest) (PermissionDecision, error)
