// ABOUTME: Tests for entry-to-message conversion and sequence validation
// ABOUTME: Covers per-kind rules, malformed-entry resilience, and idempotence

package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/conversation"
)

func toolEntry(id, name string, completed bool) *conversation.Entry {
	e := &conversation.Entry{
		ID:   "entry-" + id,
		Kind: conversation.KindTool,
		Tool: &conversation.ToolMeta{
			ToolID:    id,
			ToolName:  name,
			ToolInput: json.RawMessage(`{"path":"/tmp/x"}`),
			IsLoading: !completed,
		},
	}
	if completed {
		e.Tool.ResultReceived = true
		e.Tool.ToolResult = "output of " + name
		e.Tool.ProgressPct = 100
	}
	return e
}

func TestMessages_UserInputText(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "e1", Kind: conversation.KindUserInput, Text: "Hi"},
	}

	msgs, warnings := Messages(entries)
	require.Empty(t, warnings)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Content, 1)
	assert.Equal(t, BlockText, msgs[0].Content[0].Type)
	assert.Equal(t, "Hi", msgs[0].Content[0].Text)
}

func TestMessages_UserInputWithImages(t *testing.T) {
	entries := []*conversation.Entry{
		{
			ID:   "e1",
			Kind: conversation.KindUserInput,
			Text: "look at this",
			Attachments: []conversation.Attachment{
				{MediaType: "image/png", Data: "aWgodHlwZQ=="},
				{MediaType: "", Data: "b3JwaGFu"}, // malformed: no media type
			},
		},
	}

	msgs, warnings := Messages(entries)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Content, 2)
	assert.Equal(t, BlockText, msgs[0].Content[0].Type)
	assert.Equal(t, BlockImage, msgs[0].Content[1].Type)
	assert.Equal(t, "image/png", msgs[0].Content[1].MediaType)

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "image attachment")
}

func TestMessages_AssistantText(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "e1", Kind: conversation.KindAssistant, Text: "Hello there"},
	}

	msgs, warnings := Messages(entries)
	require.Empty(t, warnings)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].Content, 1)
	assert.Equal(t, "Hello there", msgs[0].Content[0].Text)
}

func TestMessages_EmptyAssistantSkipped(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "e1", Kind: conversation.KindAssistant, Text: ""},
	}

	msgs, warnings := Messages(entries)
	assert.Empty(t, msgs)
	assert.Empty(t, warnings)
}

func TestMessages_PendingToolCall(t *testing.T) {
	msgs, warnings := Messages([]*conversation.Entry{toolEntry("t1", "Read", false)})
	require.Empty(t, warnings)
	require.Len(t, msgs, 1)

	assert.Equal(t, RoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].Content, 1)
	block := msgs[0].Content[0]
	assert.Equal(t, BlockToolCall, block.Type)
	assert.Equal(t, "t1", block.ToolCallID)
	assert.Equal(t, "Read", block.ToolName)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, string(block.Args))
}

func TestMessages_CompletedToolCallEmitsResultMessage(t *testing.T) {
	msgs, warnings := Messages([]*conversation.Entry{toolEntry("t1", "Read", true)})
	require.Empty(t, warnings)
	require.Len(t, msgs, 2)

	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, BlockToolCall, msgs[0].Content[0].Type)

	assert.Equal(t, RoleTool, msgs[1].Role)
	require.Len(t, msgs[1].Content, 1)
	result := msgs[1].Content[0]
	assert.Equal(t, BlockToolResult, result.Type)
	assert.Equal(t, "t1", result.ToolCallID)
	assert.Equal(t, "Read", result.ToolName)
	assert.Equal(t, "output of Read", result.Result)
	assert.False(t, result.IsError)
}

func TestMessages_ErroredToolResultCarriesFlag(t *testing.T) {
	e := toolEntry("t1", "Bash", true)
	e.Tool.ResultIsError = true

	msgs, _ := Messages([]*conversation.Entry{e})
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Content[0].IsError)
}

func TestMessages_ToolMissingMetadataSkipped(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "broken", Kind: conversation.KindTool, Tool: &conversation.ToolMeta{ToolID: "t1"}},
		{ID: "fine", Kind: conversation.KindAssistant, Text: "still here"},
	}

	msgs, warnings := Messages(entries)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "broken")
	assert.Contains(t, warnings[0], "tool_name")

	// Conversion continued past the bad entry
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "still here", msgs[0].Content[0].Text)
}

func TestMessages_GroupRecursesChildren(t *testing.T) {
	group := &conversation.Entry{
		ID:   "g1",
		Kind: conversation.KindToolGroup,
		Tool: &conversation.ToolMeta{
			GroupID: "t1",
			Children: []*conversation.Entry{
				toolEntry("t1", "Task", true),
				toolEntry("t2", "Read", false),
			},
		},
	}

	msgs, warnings := Messages([]*conversation.Entry{group})
	require.Empty(t, warnings)
	// t1 completed (call + result), t2 pending (call only); group itself emits nothing
	require.Len(t, msgs, 3)
	assert.Equal(t, "t1", msgs[0].Content[0].ToolCallID)
	assert.Equal(t, "t1", msgs[1].Content[0].ToolCallID)
	assert.Equal(t, BlockToolResult, msgs[1].Content[0].Type)
	assert.Equal(t, "t2", msgs[2].Content[0].ToolCallID)
}

func TestMessages_GroupBadChildSkippedOthersSurvive(t *testing.T) {
	group := &conversation.Entry{
		ID:   "g1",
		Kind: conversation.KindToolGroup,
		Tool: &conversation.ToolMeta{
			GroupID: "t1",
			Children: []*conversation.Entry{
				{ID: "bad-child", Kind: conversation.KindTool, Tool: &conversation.ToolMeta{}},
				toolEntry("t2", "Grep", false),
			},
		},
	}

	msgs, warnings := Messages([]*conversation.Entry{group})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "bad-child")
	require.Len(t, msgs, 1)
	assert.Equal(t, "t2", msgs[0].Content[0].ToolCallID)
}

func TestMessages_ChildlessGroupEmitsNothing(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "g1", Kind: conversation.KindToolGroup, Tool: &conversation.ToolMeta{GroupID: "t1"}},
	}

	msgs, warnings := Messages(entries)
	assert.Empty(t, msgs)
	assert.Empty(t, warnings)
}

func TestMessages_ResultAndErrorSkipped(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "e1", Kind: conversation.KindResult, Text: "4 turns, $0.02"},
		{ID: "e2", Kind: conversation.KindError, Text: "connection lost"},
	}

	msgs, warnings := Messages(entries)
	assert.Empty(t, msgs)
	assert.Empty(t, warnings)
}

func TestMessages_StandaloneToolResult(t *testing.T) {
	entries := []*conversation.Entry{
		{
			ID:   "e1",
			Kind: conversation.KindToolResult,
			Text: "raw output",
			Tool: &conversation.ToolMeta{
				ToolID:         "t9",
				ToolName:       "Bash",
				ToolResult:     "raw output",
				ResultReceived: true,
			},
		},
	}

	msgs, warnings := Messages(entries)
	require.Empty(t, warnings)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleTool, msgs[0].Role)
	assert.Equal(t, BlockToolResult, msgs[0].Content[0].Type)
	assert.Equal(t, "t9", msgs[0].Content[0].ToolCallID)
	assert.Equal(t, "raw output", msgs[0].Content[0].Result)
}

func TestMessages_StandaloneToolResultMissingIDSkipped(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "e1", Kind: conversation.KindToolResult, Text: "orphan"},
	}

	msgs, warnings := Messages(entries)
	assert.Empty(t, msgs)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "tool_id")
}

func TestMessages_UnrecognizedKindWarned(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "e1", Kind: "hologram", Text: "???"},
		{ID: "e2", Kind: conversation.KindUserInput, Text: "carry on"},
	}

	msgs, warnings := Messages(entries)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "hologram")
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestMessages_FullTranscriptOrder(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "e1", Kind: conversation.KindUserInput, Text: "read the file"},
		{ID: "e2", Kind: conversation.KindAssistant, Text: "Reading it now."},
		toolEntry("t1", "Read", true),
		{ID: "e4", Kind: conversation.KindResult, Subtype: conversation.SubtypeSuccess},
	}

	msgs, warnings := Messages(entries)
	require.Empty(t, warnings)
	require.Len(t, msgs, 4)

	roles := make([]Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	assert.Equal(t, []Role{RoleUser, RoleAssistant, RoleAssistant, RoleTool}, roles)
}

func TestMessages_Idempotent(t *testing.T) {
	entries := []*conversation.Entry{
		{ID: "e1", Kind: conversation.KindUserInput, Text: "go"},
		{ID: "e2", Kind: conversation.KindAssistant, Text: "ok"},
		toolEntry("t1", "Write", true),
		{ID: "e4", Kind: "mystery"},
	}

	first, firstWarns := Messages(entries)
	second, secondWarns := Messages(entries)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, firstWarns, secondWarns)
}

func TestValidate_CleanSequence(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "hi"}}},
		{Role: RoleAssistant, Content: []Block{{Type: BlockText, Text: "hello"}}},
	}

	assert.Empty(t, Validate(msgs))
}

func TestValidate_ConsecutiveSameRole(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Content: []Block{{Type: BlockText, Text: "one"}}},
		{Role: RoleAssistant, Content: []Block{{Type: BlockText, Text: "two"}}},
	}

	diags := Validate(msgs)
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0], `role "assistant"`)
}

func TestValidate_SystemRoleExempt(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: []Block{{Type: BlockText, Text: "rules"}}},
		{Role: "system", Content: []Block{{Type: BlockText, Text: "more rules"}}},
	}

	assert.Empty(t, Validate(msgs))
}

func TestValidate_ToolCallOutsideAssistant(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: []Block{{Type: BlockToolCall, ToolCallID: "t1"}}},
	}

	diags := Validate(msgs)
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0], "tool_call")
}

func TestValidate_ToolResultOutsideTool(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Content: []Block{{Type: BlockToolResult, ToolCallID: "t1"}}},
	}

	diags := Validate(msgs)
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0], "tool_result")
}
