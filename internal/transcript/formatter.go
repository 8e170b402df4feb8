// Package transcript renders agent stream messages as single console lines so
// an operator can follow a run live without reading raw NDJSON.
package transcript

import (
	"fmt"
	"strings"

	"github.com/benclarkson/foreman/internal/protocol"
)

// Formatter formats protocol messages for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format renders one message, or "" for messages with nothing worth showing.
func (f *Formatter) Format(msg protocol.Message) string {
	switch m := msg.(type) {
	case *protocol.SystemMessage:
		if m.SessionID == "" {
			return "[system] session started"
		}
		return fmt.Sprintf("[system] session %s", m.SessionID)

	case *protocol.AssistantMessage:
		var parts []string
		if text := m.Text(); text != "" {
			parts = append(parts, firstLine(text))
		}
		for _, use := range m.ToolUses() {
			parts = append(parts, fmt.Sprintf("tool: %s", use.Name))
		}
		if len(parts) == 0 {
			return ""
		}
		return fmt.Sprintf("[agent] %s", strings.Join(parts, " | "))

	case *protocol.ResultMessage:
		status := "done"
		if m.IsError {
			status = "failed"
		}
		return fmt.Sprintf("[result] %s: %d turns, %d in / %d out tokens, $%.4f",
			status, m.NumTurns, m.InputTokens, m.OutputTokens, m.CostUSD)

	case *protocol.UserMessage:
		return ""

	case *protocol.StreamEvent:
		return fmt.Sprintf("[event] %s", m.EventType)

	default:
		return ""
	}
}

// firstLine truncates multi-line text to its first line for the one-line
// transcript format.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
