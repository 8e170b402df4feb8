package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStdinClosed is returned by WriteLine after the input stream was closed,
// either explicitly or because the process was started one-shot.
var ErrStdinClosed = errors.New("bridge: stdin is closed")

// ExecutableNotFoundError reports a failed executable lookup along with every
// location that was checked.
type ExecutableNotFoundError struct {
	Name     string
	Searched []string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("executable %q not found; searched: %s",
		e.Name, strings.Join(e.Searched, ", "))
}

// ProcessFailedError reports a non-zero exit together with the fully drained
// diagnostic output.
type ProcessFailedError struct {
	Code   int
	Stderr string
}

func (e *ProcessFailedError) Error() string {
	msg := fmt.Sprintf("agent process exited with code %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}
