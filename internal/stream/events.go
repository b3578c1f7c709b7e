// ABOUTME: Stream event envelope types and JSON decoding for the agent transport
// ABOUTME: Defines event kinds, chunk metadata accessors, and usage extraction

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType indicates an event whose type tag is not recognized.
// Callers log and skip these rather than failing the stream.
var ErrUnknownEventType = errors.New("unknown event type")

// EventType identifies the kind of a stream event.
type EventType string

const (
	// EventStreamStart marks the beginning of an agent response turn.
	EventStreamStart EventType = "stream_start"
	// EventChunk carries one incremental piece of typed content.
	EventChunk EventType = "chunk"
	// EventToolResult completes a previously announced tool call by id.
	EventToolResult EventType = "tool_result"
	// EventStreamEnd marks the end of an agent response turn.
	EventStreamEnd EventType = "stream_end"
	// EventStopped reports that the user cancelled the in-flight response.
	EventStopped EventType = "stopped"
	// EventError reports a terminal error for the current turn.
	EventError EventType = "error"
	// EventErrorActions reports an error with follow-up actions for the UI.
	EventErrorActions EventType = "error_actions"
)

// Valid reports whether the event type is one the gateway understands.
func (t EventType) Valid() bool {
	switch t {
	case EventStreamStart, EventChunk, EventToolResult, EventStreamEnd,
		EventStopped, EventError, EventErrorActions:
		return true
	}
	return false
}

// Event is one envelope on the agent stream. Only the fields relevant to the
// event's type are populated; the rest stay at their zero values.
type Event struct {
	Type EventType `json:"type"`

	// EventID is an optional transport-assigned id used for duplicate
	// suppression on at-least-once delivery. Empty ids bypass dedupe.
	EventID string `json:"event_id,omitempty"`

	// Chunk fields.
	MessageType string   `json:"message_type,omitempty"`
	Content     string   `json:"content,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`

	// Tool result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Error fields.
	Message string   `json:"message,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

// Action is a follow-up command offered to the user alongside an error.
type Action struct {
	Label   string   `json:"label"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Decode parses a single JSON event frame. Malformed JSON and unknown type
// tags are both errors; the latter wraps ErrUnknownEventType so callers can
// warn and continue.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	return &ev, nil
}

// Metadata carries the loosely-typed key/value context attached to chunk
// events. Tool chunks populate tool_id, tool_name, tool_input, and
// optionally parent_tool_use_id; result chunks may carry usage accounting.
type Metadata map[string]any

// String returns the string value for key, or "" if absent or not a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// Bool returns the boolean value for key, or false if absent or not a bool.
func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

// ToolID returns the tool invocation id on a tool chunk.
func (m Metadata) ToolID() string { return m.String("tool_id") }

// ToolName returns the tool name on a tool chunk.
func (m Metadata) ToolName() string { return m.String("tool_name") }

// ParentToolUseID returns the correlation id linking a nested tool chunk to
// its parent invocation, or "" for top-level calls.
func (m Metadata) ParentToolUseID() string { return m.String("parent_tool_use_id") }

// ToolInput returns the tool's input re-encoded as raw JSON, or nil when the
// chunk carried none.
func (m Metadata) ToolInput() json.RawMessage {
	if m == nil {
		return nil
	}
	v, ok := m["tool_input"]
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func (m Metadata) number(key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Usage captures model-call accounting carried on result chunks.
type Usage struct {
	NumTurns     int
	DurationMs   int64
	InputTokens  int64
	OutputTokens int64
	TotalCostUSD float64
}

// Usage extracts usage accounting from result-chunk metadata. Returns nil
// when none of the usage keys are present.
func (m Metadata) Usage() *Usage {
	var u Usage
	found := false
	if v, ok := m.number("num_turns"); ok {
		u.NumTurns = int(v)
		found = true
	}
	if v, ok := m.number("duration_ms"); ok {
		u.DurationMs = int64(v)
		found = true
	}
	if v, ok := m.number("input_tokens"); ok {
		u.InputTokens = int64(v)
		found = true
	}
	if v, ok := m.number("output_tokens"); ok {
		u.OutputTokens = int64(v)
		found = true
	}
	if v, ok := m.number("total_cost_usd"); ok {
		u.TotalCostUSD = v
		found = true
	}
	if !found {
		return nil
	}
	return &u
}

// Merge returns a shallow merge of m and other; keys in other win. The
// receiver is not modified. Merging nil into nil returns nil.
func (m Metadata) Merge(other Metadata) Metadata {
	if len(other) == 0 {
		return m
	}
	merged := make(Metadata, len(m)+len(other))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}
