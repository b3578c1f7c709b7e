// ABOUTME: Tests for stream event decoding and chunk metadata accessors
// ABOUTME: Covers unknown types, malformed frames, tool metadata, and usage extraction

package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChunk(t *testing.T) {
	data := []byte(`{
		"type": "chunk",
		"event_id": "ev-1",
		"message_type": "assistant",
		"content": "Hel",
		"metadata": {"model": "opus"}
	}`)

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventChunk, ev.Type)
	assert.Equal(t, "ev-1", ev.EventID)
	assert.Equal(t, "assistant", ev.MessageType)
	assert.Equal(t, "Hel", ev.Content)
	assert.Equal(t, "opus", ev.Metadata.String("model"))
}

func TestDecodeToolResult(t *testing.T) {
	data := []byte(`{"type":"tool_result","tool_use_id":"t1","content":"done","is_error":true}`)

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventToolResult, ev.Type)
	assert.Equal(t, "t1", ev.ToolUseID)
	assert.Equal(t, "done", ev.Content)
	assert.True(t, ev.IsError)
}

func TestDecodeErrorActions(t *testing.T) {
	data := []byte(`{
		"type": "error_actions",
		"message": "login required",
		"actions": [{"label": "Login", "command": "loom.login", "args": ["--sso"]}]
	}`)

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "login required", ev.Message)
	require.Len(t, ev.Actions, 1)
	assert.Equal(t, "Login", ev.Actions[0].Label)
	assert.Equal(t, "loom.login", ev.Actions[0].Command)
	assert.Equal(t, []string{"--sso"}, ev.Actions[0].Args)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"telemetry"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownEventType)
}

func TestMetadataToolFields(t *testing.T) {
	ev, err := Decode([]byte(`{
		"type": "chunk",
		"message_type": "tool",
		"metadata": {
			"tool_id": "t1",
			"tool_name": "Read",
			"tool_input": {"path": "main.go"},
			"parent_tool_use_id": "t0"
		}
	}`))
	require.NoError(t, err)

	md := ev.Metadata
	assert.Equal(t, "t1", md.ToolID())
	assert.Equal(t, "Read", md.ToolName())
	assert.Equal(t, "t0", md.ParentToolUseID())
	assert.JSONEq(t, `{"path":"main.go"}`, string(md.ToolInput()))
}

func TestMetadataToolInputAbsent(t *testing.T) {
	md := Metadata{"tool_id": "t1"}
	assert.Nil(t, md.ToolInput())

	var empty Metadata
	assert.Nil(t, empty.ToolInput())
	assert.Equal(t, "", empty.ToolID())
}

func TestMetadataUsage(t *testing.T) {
	md := Metadata{
		"num_turns":      float64(3),
		"duration_ms":    float64(5120),
		"input_tokens":   float64(1200),
		"output_tokens":  float64(450),
		"total_cost_usd": 0.037,
	}

	u := md.Usage()
	require.NotNil(t, u)
	assert.Equal(t, 3, u.NumTurns)
	assert.Equal(t, int64(5120), u.DurationMs)
	assert.Equal(t, int64(1200), u.InputTokens)
	assert.Equal(t, int64(450), u.OutputTokens)
	assert.InDelta(t, 0.037, u.TotalCostUSD, 1e-9)
}

func TestMetadataUsageAbsent(t *testing.T) {
	assert.Nil(t, Metadata{"model": "opus"}.Usage())
	assert.Nil(t, Metadata(nil).Usage())
}

func TestMetadataMerge(t *testing.T) {
	base := Metadata{"a": "1", "b": "2"}
	merged := base.Merge(Metadata{"b": "3", "c": "4"})

	assert.Equal(t, "1", merged.String("a"))
	assert.Equal(t, "3", merged.String("b"), "new keys win")
	assert.Equal(t, "4", merged.String("c"))
	assert.Equal(t, "2", base.String("b"), "receiver unchanged")

	assert.Nil(t, Metadata(nil).Merge(nil))
	same := base.Merge(nil)
	assert.Equal(t, base, same)
}
