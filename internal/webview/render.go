// ABOUTME: Builds template view models from conversation entries.
// ABOUTME: Renders markdown bodies, pretty-prints tool input, and recurses into groups.

package webview

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"

	"github.com/2389/loom-gateway/internal/conversation"
)

// sessionsData backs the session list page.
type sessionsData struct {
	Title    string
	Sessions []sessionItem
}

type sessionItem struct {
	ID         string
	EntryCount int
	UpdatedAt  string
	Live       bool
}

// transcriptData backs the transcript page.
type transcriptData struct {
	Title     string
	SessionID string
	Live      bool
	Entries   []entryView
}

// entryView is the template-facing shape of one transcript entry.
type entryView struct {
	Kind        string
	Label       string
	Body        template.HTML // markdown-rendered text
	Subtype     string
	IsError     bool
	Attachments int
	Actions     []actionView
	Tool        *toolView
}

type actionView struct {
	Label   string
	Command string
}

// toolView carries the invocation state of a tool card, or a group's
// aggregate state plus its child cards.
type toolView struct {
	Name        string
	Input       string
	Result      string
	IsError     bool
	Completed   bool
	Loading     bool
	ProgressPct int
	Children    []entryView
}

// buildEntryViews converts entries into their template shapes.
func (v *View) buildEntryViews(entries []*conversation.Entry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		views = append(views, v.buildEntryView(e))
	}
	return views
}

func (v *View) buildEntryView(e *conversation.Entry) entryView {
	ev := entryView{
		Kind:    string(e.Kind),
		Subtype: e.Subtype,
		IsError: e.IsError,
	}

	switch e.Kind {
	case conversation.KindUserInput:
		ev.Label = "You"
		ev.Body = v.renderMarkdown(e.Text)
		ev.Attachments = len(e.Attachments)

	case conversation.KindAssistant:
		ev.Label = "Assistant"
		ev.Body = v.renderMarkdown(e.Text)

	case conversation.KindTool, conversation.KindToolResult:
		ev.Tool = v.buildToolView(e)

	case conversation.KindToolGroup:
		ev.Tool = v.buildToolView(e)
		if ev.Tool != nil {
			ev.Tool.Name = fmt.Sprintf("Tool group (%d)", len(ev.Tool.Children))
		}

	case conversation.KindResult:
		ev.Label = "Result"
		ev.Body = v.renderMarkdown(e.Text)

	case conversation.KindError:
		ev.Label = "Error"
		ev.Body = v.renderMarkdown(e.Text)
		for _, a := range e.Actions {
			ev.Actions = append(ev.Actions, actionView{Label: a.Label, Command: a.Command})
		}

	default:
		ev.Label = string(e.Kind)
		ev.Body = v.renderMarkdown(e.Text)
	}

	return ev
}

func (v *View) buildToolView(e *conversation.Entry) *toolView {
	t := e.Tool
	if t == nil {
		return nil
	}

	tv := &toolView{
		Name:        t.ToolName,
		Input:       prettyJSON(t.ToolInput),
		Result:      t.ToolResult,
		IsError:     t.ResultIsError,
		Completed:   t.ResultReceived,
		Loading:     t.IsLoading,
		ProgressPct: int(t.ProgressPct),
	}
	if tv.Name == "" {
		tv.Name = "Tool"
	}

	for _, child := range t.Children {
		if child == nil {
			continue
		}
		tv.Children = append(tv.Children, v.buildEntryView(child))
	}
	return tv
}

// renderMarkdown converts entry text to HTML. Goldmark's default renderer
// drops raw HTML, so the output is safe to mark as template.HTML.
func (v *View) renderMarkdown(text string) template.HTML {
	if text == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		v.logger.Error("failed to convert markdown", "error", err)
		return template.HTML("<pre>" + template.HTMLEscapeString(text) + "</pre>")
	}
	return template.HTML(buf.String())
}

// prettyJSON re-indents a raw tool input payload for display.
func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
