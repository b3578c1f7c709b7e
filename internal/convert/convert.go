// ABOUTME: Converts conversation entries into normalized chat messages
// ABOUTME: Per-kind rules with per-entry failure isolation - one bad entry never aborts

package convert

import (
	"encoding/json"
	"fmt"

	"github.com/2389/loom-gateway/internal/conversation"
)

// Role identifies who a normalized message is attributed to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType identifies the shape of one content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
)

// Block is one typed unit of message content. Only the fields relevant to
// the block's type are populated.
type Block struct {
	Type BlockType `json:"type"`

	// Text block.
	Text string `json:"text,omitempty"`

	// Image block. Data is base64.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// Tool call and tool result blocks.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Message is one normalized chat message with ordered content blocks.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// Messages converts a full entry sequence, in order, into normalized chat
// messages. Entries that exist only for display (results, errors, empty
// groups) emit nothing; malformed entries are skipped with a warning and
// conversion continues with the remainder. The returned warnings are
// diagnostics, not errors.
func Messages(entries []*conversation.Entry) ([]Message, []string) {
	var msgs []Message
	var warnings []string

	for _, e := range entries {
		if e == nil {
			continue
		}
		switch e.Kind {
		case conversation.KindUserInput:
			msg, warns := convertUserInput(e)
			msgs = append(msgs, msg)
			warnings = append(warnings, warns...)

		case conversation.KindAssistant:
			// Empty assistant entries are stream placeholders, not turns.
			if e.Text == "" {
				continue
			}
			msgs = append(msgs, Message{
				Role:    RoleAssistant,
				Content: []Block{{Type: BlockText, Text: e.Text}},
			})

		case conversation.KindTool:
			out, err := convertToolCall(e)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("entry %s: %v, skipped", e.ID, err))
				continue
			}
			msgs = append(msgs, out...)

		case conversation.KindToolGroup:
			// The group is display nesting only; its children carry the calls.
			if e.Tool == nil {
				continue
			}
			for _, child := range e.Tool.Children {
				out, err := convertToolCall(child)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("entry %s: %v, skipped", child.ID, err))
					continue
				}
				msgs = append(msgs, out...)
			}

		case conversation.KindToolResult:
			msg, err := convertStandaloneResult(e)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("entry %s: %v, skipped", e.ID, err))
				continue
			}
			msgs = append(msgs, msg)

		case conversation.KindResult, conversation.KindError:
			// Metadata and UI notices never reach the model.
			continue

		default:
			warnings = append(warnings, fmt.Sprintf("entry %s: unrecognized kind %q, skipped", e.ID, e.Kind))
		}
	}

	return msgs, warnings
}

// convertUserInput builds a user message from text plus any image
// attachments. Malformed attachments are dropped, never the whole entry.
func convertUserInput(e *conversation.Entry) (Message, []string) {
	var warnings []string
	content := []Block{{Type: BlockText, Text: e.Text}}
	for i, att := range e.Attachments {
		if att.MediaType == "" || att.Data == "" {
			warnings = append(warnings, fmt.Sprintf("entry %s: image attachment %d missing media type or data, skipped", e.ID, i))
			continue
		}
		content = append(content, Block{
			Type:      BlockImage,
			MediaType: att.MediaType,
			Data:      att.Data,
		})
	}
	return Message{Role: RoleUser, Content: content}, warnings
}

// convertToolCall emits the assistant tool_call message for one tool entry,
// followed by a tool-role result message when the call has completed.
func convertToolCall(e *conversation.Entry) ([]Message, error) {
	if e == nil || e.Kind != conversation.KindTool {
		return nil, fmt.Errorf("not a tool entry")
	}
	if e.Tool == nil || e.Tool.ToolID == "" || e.Tool.ToolName == "" {
		return nil, fmt.Errorf("tool entry missing tool_id or tool_name")
	}

	out := []Message{{
		Role: RoleAssistant,
		Content: []Block{{
			Type:       BlockToolCall,
			ToolCallID: e.Tool.ToolID,
			ToolName:   e.Tool.ToolName,
			Args:       e.Tool.ToolInput,
		}},
	}}

	if e.Tool.ResultReceived {
		out = append(out, Message{
			Role: RoleTool,
			Content: []Block{{
				Type:       BlockToolResult,
				ToolCallID: e.Tool.ToolID,
				ToolName:   e.Tool.ToolName,
				Result:     e.Tool.ToolResult,
				IsError:    e.Tool.ResultIsError,
			}},
		})
	}
	return out, nil
}

// convertStandaloneResult handles tool_result entries that arrived as chunks
// without a pending call to complete.
func convertStandaloneResult(e *conversation.Entry) (Message, error) {
	if e.Tool == nil || e.Tool.ToolID == "" {
		return Message{}, fmt.Errorf("tool_result entry missing tool_id")
	}
	return Message{
		Role: RoleTool,
		Content: []Block{{
			Type:       BlockToolResult,
			ToolCallID: e.Tool.ToolID,
			ToolName:   e.Tool.ToolName,
			Result:     e.Tool.ToolResult,
			IsError:    e.Tool.ResultIsError,
		}},
	}, nil
}
