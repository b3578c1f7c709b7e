// ABOUTME: Conversation entry model: kinds, tool metadata, groups, and attachments
// ABOUTME: Entries are the aggregated units the stream reducer builds and mutates

package conversation

import (
	"encoding/json"
	"time"

	"github.com/2389/loom-gateway/internal/stream"
)

// Kind identifies what a conversation entry represents.
type Kind string

const (
	KindUserInput  Kind = "user_input"
	KindAssistant  Kind = "assistant"
	KindTool       Kind = "tool"
	KindToolResult Kind = "tool_result"
	KindToolGroup  Kind = "tool_group"
	KindResult     Kind = "result"
	KindError      Kind = "error"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUserInput, KindAssistant, KindTool, KindToolResult,
		KindToolGroup, KindResult, KindError:
		return true
	}
	return false
}

// Subtype refinements used on result and error entries.
const (
	SubtypeSuccess       = "success"
	SubtypeError         = "error"
	SubtypeErrorMaxTurns = "error_max_turns"
	SubtypeStopped       = "stopped"
)

// Entry is one node of the aggregated conversation history. Entries are
// append-only in arrival order; fields are updated in place as later events
// reference the same logical unit. The only structural rewrite is the
// promotion of a bare tool entry into a tool group at the same position.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Subtype   string    `json:"subtype,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`

	// Meta accumulates chunk metadata via shallow merge, newest keys winning.
	Meta stream.Metadata `json:"meta,omitempty"`

	// Tool is set for tool, tool_group, and tool_result entries.
	Tool *ToolMeta `json:"tool,omitempty"`

	// Actions are follow-up commands carried by error entries.
	Actions []stream.Action `json:"actions,omitempty"`

	// Attachments are images carried by user_input entries.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ToolMeta holds the invocation state of a tool call, or the grouping state
// of a tool group.
type ToolMeta struct {
	ToolID       string          `json:"tool_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ParentToolID string          `json:"parent_tool_id,omitempty"`

	// GroupID is the correlation id shared by a group's children. Set only
	// on tool_group entries.
	GroupID string `json:"group_id,omitempty"`

	ToolResult     string `json:"tool_result,omitempty"`
	ResultIsError  bool   `json:"result_is_error,omitempty"`
	ResultReceived bool   `json:"result_received"`

	IsLoading            bool      `json:"is_loading"`
	EstimatedDurationSec int       `json:"estimated_duration_sec,omitempty"`
	StartedAt            time.Time `json:"started_at"`
	ElapsedSec           float64   `json:"elapsed_sec"`
	ProgressPct          float64   `json:"progress_pct"`

	Children []*Entry `json:"children,omitempty"`
}

// Attachment is an image attached to a user_input entry. Data is base64.
type Attachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Clone returns a deep copy of the entry, safe to hand to other goroutines.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Meta != nil {
		c.Meta = make(stream.Metadata, len(e.Meta))
		for k, v := range e.Meta {
			c.Meta[k] = v
		}
	}
	if e.Tool != nil {
		c.Tool = e.Tool.clone()
	}
	if e.Actions != nil {
		c.Actions = make([]stream.Action, len(e.Actions))
		copy(c.Actions, e.Actions)
	}
	if e.Attachments != nil {
		c.Attachments = make([]Attachment, len(e.Attachments))
		copy(c.Attachments, e.Attachments)
	}
	return &c
}

func (t *ToolMeta) clone() *ToolMeta {
	c := *t
	if t.ToolInput != nil {
		c.ToolInput = append(json.RawMessage(nil), t.ToolInput...)
	}
	if t.Children != nil {
		c.Children = make([]*Entry, len(t.Children))
		for i, child := range t.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// refreshGroupStatus recomputes a group's aggregate flags from its children:
// loading if any child is loading, errored if any child's result errored.
func (e *Entry) refreshGroupStatus() {
	if e.Kind != KindToolGroup || e.Tool == nil {
		return
	}
	loading := false
	errored := false
	for _, child := range e.Tool.Children {
		if child.Tool == nil {
			continue
		}
		if child.Tool.IsLoading {
			loading = true
		}
		if child.Tool.ResultIsError {
			errored = true
		}
	}
	e.Tool.IsLoading = loading
	e.Tool.ResultIsError = errored
	e.IsError = errored
}

// findTool locates the tool entry with the given id, searching top-level
// entries first and then each group's children. Returns the matching entry
// and its top-level container (the entry itself, or the enclosing group).
func findTool(entries []*Entry, toolID string) (match, container *Entry) {
	for _, e := range entries {
		switch e.Kind {
		case KindTool:
			if e.Tool != nil && e.Tool.ToolID == toolID {
				return e, e
			}
		case KindToolGroup:
			if e.Tool == nil {
				continue
			}
			for _, child := range e.Tool.Children {
				if child.Tool != nil && child.Tool.ToolID == toolID {
					return child, e
				}
			}
		}
	}
	return nil, nil
}

// cloneEntries deep-copies a whole entry sequence.
func cloneEntries(entries []*Entry) []*Entry {
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
