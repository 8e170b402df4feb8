// Package protocol implements the wire protocol spoken by the agent CLI:
// newline-delimited JSON objects discriminated by a "type" field, each
// carrying content blocks, usage accounting, or session metadata. The codec
// is stateless; the bridge owns line framing.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType discriminates the wire envelopes.
type MessageType string

const (
	MessageTypeSystem    MessageType = "system"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeUser      MessageType = "user"
	MessageTypeResult    MessageType = "result"
)

// Message is one decoded wire envelope. The concrete type is one of
// SystemMessage, AssistantMessage, UserMessage, ResultMessage, or
// StreamEvent for any unrecognized discriminator.
type Message interface {
	Type() MessageType
}

// SystemMessage is emitted once at session start and carries the session id.
type SystemMessage struct {
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

func (m *SystemMessage) Type() MessageType { return MessageTypeSystem }

// AssistantMessage carries ordered content blocks from the model.
type AssistantMessage struct {
	Model      string
	StopReason string
	Content    []ContentBlock
}

func (m *AssistantMessage) Type() MessageType { return MessageTypeAssistant }

// Text concatenates the message's text blocks.
func (m *AssistantMessage) Text() string {
	var b strings.Builder
	for _, block := range m.Content {
		if t, ok := block.(*TextBlock); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolUses returns the message's tool-use blocks in order.
func (m *AssistantMessage) ToolUses() []*ToolUseBlock {
	var uses []*ToolUseBlock
	for _, block := range m.Content {
		if u, ok := block.(*ToolUseBlock); ok {
			uses = append(uses, u)
		}
	}
	return uses
}

// UserMessage carries tool results echoed back through the stream.
type UserMessage struct {
	Content []ContentBlock
}

func (m *UserMessage) Type() MessageType { return MessageTypeUser }

// ResultMessage terminates a session with usage accounting.
type ResultMessage struct {
	SessionID           string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
	DurationMS          int64
	NumTurns            int
	IsError             bool
	Result              string
}

func (m *ResultMessage) Type() MessageType { return MessageTypeResult }

// StreamEvent preserves an envelope with an unrecognized type verbatim. An
// unknown discriminator is an event to pass through, never a decode failure.
type StreamEvent struct {
	EventType string
	Raw       json.RawMessage
}

func (m *StreamEvent) Type() MessageType { return MessageType(m.EventType) }

// ContentBlock is one element of a message's content array: text, a tool
// invocation, or a tool result.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain assistant text.
type TextBlock struct {
	Text string `json:"text"`
}

func (b *TextBlock) BlockType() string { return "text" }

// ToolUseBlock is a tool invocation. Input stays an opaque payload; only the
// reserved interactive-question decoder ever imposes a shape on it.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (b *ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock is the outcome of a prior tool invocation.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (b *ToolResultBlock) BlockType() string { return "tool_result" }

// ToolResultReply is the single-line reply written back over stdin to
// complete an intercepted tool call.
type ToolResultReply struct {
	Type    string            `json:"type"`
	Content []ToolResultBlock `json:"content"`
}

// NewToolResultReply builds the write-back shape for one tool result.
func NewToolResultReply(toolUseID, content string, isError bool) ToolResultReply {
	return ToolResultReply{
		Type: "user",
		Content: []ToolResultBlock{{
			ToolUseID: toolUseID,
			Content:   content,
			IsError:   isError,
		}},
	}
}

// rawEnvelope is the first-pass decode used to route on the discriminator.
type rawEnvelope struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	SessionID  string          `json:"session_id"`
	Model      string          `json:"model"`
	Cwd        string          `json:"cwd"`
	StopReason string          `json:"stop_reason"`
	Content    json.RawMessage `json:"content"`
	Message    *rawInner       `json:"message"`

	Usage        *rawUsage `json:"usage"`
	TotalCostUSD *float64  `json:"total_cost_usd"`
	CostUSD      *float64  `json:"cost_usd"`
	DurationMS   int64     `json:"duration_ms"`
	NumTurns     int       `json:"num_turns"`
	IsError      bool      `json:"is_error"`
	Result       string    `json:"result"`
}

// rawInner is the nested message wrapper some CLI versions emit.
type rawInner struct {
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Content    json.RawMessage `json:"content"`
}

type rawUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// DecodeMessage decodes one wire line into a typed message. Callers log and
// skip decode errors; a malformed line never aborts a run.
func DecodeMessage(line []byte) (Message, error) {
	var env rawEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type field")
	}

	switch MessageType(env.Type) {
	case MessageTypeSystem:
		return &SystemMessage{
			Subtype:   env.Subtype,
			SessionID: env.SessionID,
			Model:     env.Model,
			Cwd:       env.Cwd,
		}, nil

	case MessageTypeAssistant:
		model, stopReason, content := env.Model, env.StopReason, env.Content
		if env.Message != nil {
			if env.Message.Model != "" {
				model = env.Message.Model
			}
			if env.Message.StopReason != "" {
				stopReason = env.Message.StopReason
			}
			if len(env.Message.Content) > 0 {
				content = env.Message.Content
			}
		}
		blocks, err := decodeContent(content)
		if err != nil {
			return nil, fmt.Errorf("decode assistant content: %w", err)
		}
		return &AssistantMessage{Model: model, StopReason: stopReason, Content: blocks}, nil

	case MessageTypeUser:
		content := env.Content
		if env.Message != nil && len(env.Message.Content) > 0 {
			content = env.Message.Content
		}
		blocks, err := decodeContent(content)
		if err != nil {
			return nil, fmt.Errorf("decode user content: %w", err)
		}
		return &UserMessage{Content: blocks}, nil

	case MessageTypeResult:
		msg := &ResultMessage{
			SessionID:  env.SessionID,
			DurationMS: env.DurationMS,
			NumTurns:   env.NumTurns,
			IsError:    env.IsError,
			Result:     env.Result,
		}
		if env.Usage != nil {
			msg.InputTokens = env.Usage.InputTokens
			msg.OutputTokens = env.Usage.OutputTokens
			msg.CacheReadTokens = env.Usage.CacheReadTokens
			msg.CacheCreationTokens = env.Usage.CacheCreationTokens
		}
		switch {
		case env.TotalCostUSD != nil:
			msg.CostUSD = *env.TotalCostUSD
		case env.CostUSD != nil:
			msg.CostUSD = *env.CostUSD
		}
		return msg, nil

	default:
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return &StreamEvent{EventType: env.Type, Raw: raw}, nil
	}
}

// decodeContent parses a content array into typed blocks. Unknown block
// types are skipped; blocks that fail to decode individually are skipped as
// well so one odd block does not drop its siblings.
func decodeContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		// Some CLI versions emit a bare string instead of a block array.
		var text string
		if serr := json.Unmarshal(raw, &text); serr == nil {
			return []ContentBlock{&TextBlock{Text: text}}, nil
		}
		return nil, fmt.Errorf("content is not an array: %w", err)
	}

	blocks := make([]ContentBlock, 0, len(items))
	for _, item := range items {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			continue
		}
		switch head.Type {
		case "text":
			var b TextBlock
			if err := json.Unmarshal(item, &b); err == nil {
				blocks = append(blocks, &b)
			}
		case "tool_use":
			var b ToolUseBlock
			if err := json.Unmarshal(item, &b); err == nil {
				blocks = append(blocks, &b)
			}
		case "tool_result":
			var b ToolResultBlock
			if err := json.Unmarshal(item, &b); err == nil {
				blocks = append(blocks, &b)
			} else {
				// tool_result content may itself be a block array; keep the
				// correlation id and flatten the text.
				blocks = appendFlattenedResult(blocks, item)
			}
		}
	}
	return blocks, nil
}

func appendFlattenedResult(blocks []ContentBlock, item json.RawMessage) []ContentBlock {
	var nested struct {
		ToolUseID string `json:"tool_use_id"`
		IsError   bool   `json:"is_error"`
		Content   []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(item, &nested); err != nil {
		return blocks
	}
	var b strings.Builder
	for _, c := range nested.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return append(blocks, &ToolResultBlock{
		ToolUseID: nested.ToolUseID,
		Content:   b.String(),
		IsError:   nested.IsError,
	})
}
