package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResultMessage(t *testing.T) {
	line := []byte(`{"type":"result","usage":{"input_tokens":100,"output_tokens":20},"session_id":"abc","total_cost_usd":0.001,"num_turns":1}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err)

	result, ok := msg.(*ResultMessage)
	require.True(t, ok, "expected *ResultMessage, got %T", msg)
	assert.Equal(t, 100, result.InputTokens)
	assert.Equal(t, 20, result.OutputTokens)
	assert.Equal(t, "abc", result.SessionID)
	assert.Equal(t, 0.001, result.CostUSD)
	assert.Equal(t, 1, result.NumTurns)
}

func TestDecodeResultLegacyCostField(t *testing.T) {
	line := []byte(`{"type":"result","cost_usd":0.02,"session_id":"s1"}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err)
	assert.Equal(t, 0.02, msg.(*ResultMessage).CostUSD)
}

func TestDecodeSystemMessage(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-sonnet-4-5","cwd":"/work"}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err)

	sys, ok := msg.(*SystemMessage)
	require.True(t, ok)
	assert.Equal(t, "sess-1", sys.SessionID)
	assert.Equal(t, "init", sys.Subtype)
}

func TestDecodeAssistantWithBlocks(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"model":"claude-sonnet-4-5","stop_reason":"tool_use","content":[{"type":"text","text":"let me check"},{"type":"tool_use","id":"tu-1","name":"Read","input":{"file_path":"main.go"}}]}}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err)

	asst, ok := msg.(*AssistantMessage)
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4-5", asst.Model)
	assert.Equal(t, "tool_use", asst.StopReason)
	require.Len(t, asst.Content, 2)

	assert.Equal(t, "let me check", asst.Text())

	uses := asst.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "tu-1", uses[0].ID)
	assert.Equal(t, "Read", uses[0].Name)
	assert.JSONEq(t, `{"file_path":"main.go"}`, string(uses[0].Input))
}

func TestDecodeAssistantTopLevelContent(t *testing.T) {
	line := []byte(`{"type":"assistant","content":[{"type":"text","text":"hi"}]}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.(*AssistantMessage).Text())
}

func TestDecodeUserToolResult(t *testing.T) {
	line := []byte(`{"type":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","content":"ok","is_error":false}]}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err)

	user, ok := msg.(*UserMessage)
	require.True(t, ok)
	require.Len(t, user.Content, 1)

	res, ok := user.Content[0].(*ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "tu-1", res.ToolUseID)
	assert.Equal(t, "ok", res.Content)
}

func TestDecodeUserNestedToolResultContent(t *testing.T) {
	line := []byte(`{"type":"user","content":[{"type":"tool_result","tool_use_id":"tu-2","content":[{"type":"text","text":"line one"},{"type":"text","text":" and two"}],"is_error":true}]}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err)

	user := msg.(*UserMessage)
	require.Len(t, user.Content, 1)

	res := user.Content[0].(*ToolResultBlock)
	assert.Equal(t, "tu-2", res.ToolUseID)
	assert.Equal(t, "line one and two", res.Content)
	assert.True(t, res.IsError)
}

func TestDecodeUnknownTypePreserved(t *testing.T) {
	line := []byte(`{"type":"content_block_delta","delta":{"text":"..."}}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err, "unknown type is an event, not a failure")

	evt, ok := msg.(*StreamEvent)
	require.True(t, ok)
	assert.Equal(t, "content_block_delta", evt.EventType)
	assert.JSONEq(t, string(line), string(evt.Raw))
}

func TestDecodeMalformedLine(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":`))
	assert.Error(t, err)

	_, err = DecodeMessage([]byte(`{"no_type":true}`))
	assert.Error(t, err)
}

func TestDecodeUnknownBlockTypeSkipped(t *testing.T) {
	line := []byte(`{"type":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"answer"}]}`)

	msg, err := DecodeMessage(line)
	require.NoError(t, err)

	asst := msg.(*AssistantMessage)
	require.Len(t, asst.Content, 1)
	assert.Equal(t, "answer", asst.Text())
}

func TestNewToolResultReply(t *testing.T) {
	reply := NewToolResultReply("tu-9", "chose option A", false)
	assert.Equal(t, "user", reply.Type)
	require.Len(t, reply.Content, 1)
	assert.Equal(t, "tu-9", reply.Content[0].ToolUseID)
	assert.Equal(t, "chose option A", reply.Content[0].Content)
	assert.False(t, reply.Content[0].IsError)
}
