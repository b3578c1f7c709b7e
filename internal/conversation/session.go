// ABOUTME: Session state machine reducing stream events into an ordered entry history
// ABOUTME: Handles chunk accumulation, tool correlation, group promotion, and progress ticking

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/stream"
)

// stoppedNotice is the text placed on the result entry when a response is
// cancelled by the user.
const stoppedNotice = "Response stopped by user."

// NoticeKind classifies the non-fatal anomalies the reducer can report.
type NoticeKind string

const (
	NoticeCorrelationMiss NoticeKind = "correlation_miss"
	NoticeMalformedChunk  NoticeKind = "malformed_chunk"
	NoticeUnknownKind     NoticeKind = "unknown_kind"
	NoticeDuplicateEvent  NoticeKind = "duplicate_event"
)

// Notice is one non-fatal anomaly observed while applying an event.
type Notice struct {
	Kind   NoticeKind
	Detail map[string]any
}

// ApplyResult reports what an Apply call did so the caller can persist,
// broadcast, and record anomalies without the session doing I/O itself.
type ApplyResult struct {
	// Changed is true when the entry history was mutated.
	Changed bool

	// Updated is a deep copy of the top-level entry that was appended or
	// updated, when there is one.
	Updated *Entry

	// Collapse signals the UI to fold all open tool displays except the
	// entry named by CollapseExceptID.
	Collapse         bool
	CollapseExceptID string

	Notices []Notice

	// Usage carries model-call accounting captured from a result chunk.
	Usage *stream.Usage
}

// Session owns one conversation's aggregated entry history. All methods are
// safe for concurrent use; a single mutex serializes event application,
// user input, reads, and progress ticks.
type Session struct {
	id string

	mu        sync.Mutex
	entries   []*Entry
	awaiting  bool
	seenTools map[string]bool

	estimator *Estimator
	logger    *slog.Logger
	now       func() time.Time

	tickCancel context.CancelFunc
}

// NewSession creates an empty session. A nil estimator gets the built-in
// table; a nil logger gets slog.Default().
func NewSession(id string, estimator *Estimator, logger *slog.Logger) *Session {
	if estimator == nil {
		estimator = NewEstimator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:        id,
		seenTools: make(map[string]bool),
		estimator: estimator,
		logger:    logger.With("session_id", id),
		now:       time.Now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Apply reduces one stream event into the entry history. It never blocks and
// never performs I/O; persistence and fan-out are the caller's job, driven by
// the returned ApplyResult. Events are applied strictly in arrival order.
func (s *Session) Apply(ev *stream.Event) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult
	switch ev.Type {
	case stream.EventStreamStart:
		res = s.applyStreamStart()
	case stream.EventChunk:
		res = s.applyChunk(ev)
	case stream.EventToolResult:
		res = s.applyToolResult(ev)
	case stream.EventStreamEnd:
		s.awaiting = false
	case stream.EventStopped:
		res = s.applyStopped()
	case stream.EventError:
		res = s.applyError(ev)
	case stream.EventErrorActions:
		res = s.applyErrorActions(ev)
	default:
		res.Notices = append(res.Notices, Notice{
			Kind:   NoticeUnknownKind,
			Detail: map[string]any{"event_type": string(ev.Type)},
		})
	}

	for _, n := range res.Notices {
		s.logger.Warn("dropping event", "reason", string(n.Kind), "detail", n.Detail)
	}
	return res
}

func (s *Session) applyStreamStart() ApplyResult {
	// The collapse signal names the most recent tool display so the UI can
	// keep it expanded while folding the rest.
	exceptID := ""
	for i := len(s.entries) - 1; i >= 0; i-- {
		if k := s.entries[i].Kind; k == KindTool || k == KindToolGroup {
			exceptID = s.entries[i].ID
			break
		}
	}

	entry := s.newEntry(KindAssistant)
	s.entries = append(s.entries, entry)
	s.awaiting = true

	return ApplyResult{
		Changed:          true,
		Updated:          entry.Clone(),
		Collapse:         true,
		CollapseExceptID: exceptID,
	}
}

func (s *Session) applyChunk(ev *stream.Event) ApplyResult {
	kind := Kind(ev.MessageType)
	switch {
	case kind == KindTool:
		return s.applyToolChunk(ev)
	case kind == KindToolResult:
		return s.applyToolResultChunk(ev)
	case kind == KindToolGroup:
		// Groups are synthesized by promotion, never delivered.
		return ApplyResult{Notices: []Notice{{
			Kind:   NoticeMalformedChunk,
			Detail: map[string]any{"reason": "tool_group is not a valid chunk type"},
		}}}
	case kind.Valid():
		return s.appendOrMergeChunk(kind, ev)
	default:
		return ApplyResult{Notices: []Notice{{
			Kind:   NoticeUnknownKind,
			Detail: map[string]any{"message_type": ev.MessageType},
		}}}
	}
}

// applyToolChunk creates a tool entry, attaching it as a child when its
// parent id resolves to an existing call. A bare tool parent is promoted to
// a tool group at the same position, keeping the original entry object as
// the first child.
func (s *Session) applyToolChunk(ev *stream.Event) ApplyResult {
	md := ev.Metadata
	toolID := md.ToolID()
	toolName := md.ToolName()
	if toolID == "" || toolName == "" {
		return ApplyResult{Notices: []Notice{{
			Kind:   NoticeMalformedChunk,
			Detail: map[string]any{"reason": "tool chunk missing tool_id or tool_name"},
		}}}
	}
	if s.seenTools[toolID] {
		return ApplyResult{Notices: []Notice{{
			Kind:   NoticeMalformedChunk,
			Detail: map[string]any{"reason": "duplicate tool_id", "tool_id": toolID},
		}}}
	}

	now := s.now()
	child := &Entry{
		ID:        uuid.New().String(),
		Kind:      KindTool,
		Text:      ev.Content,
		CreatedAt: now,
		Meta:      md,
		Tool: &ToolMeta{
			ToolID:               toolID,
			ToolName:             toolName,
			ToolInput:            md.ToolInput(),
			ParentToolID:         md.ParentToolUseID(),
			IsLoading:            true,
			EstimatedDurationSec: s.estimator.Estimate(toolName),
			StartedAt:            now,
		},
	}
	s.seenTools[toolID] = true

	if parent := md.ParentToolUseID(); parent != "" {
		for i, e := range s.entries {
			if e.Kind == KindTool && e.Tool != nil && e.Tool.ToolID == parent {
				group := &Entry{
					ID:        uuid.New().String(),
					Kind:      KindToolGroup,
					CreatedAt: e.CreatedAt,
					Tool: &ToolMeta{
						GroupID:  parent,
						Children: []*Entry{e, child},
					},
				}
				group.refreshGroupStatus()
				s.entries[i] = group
				return ApplyResult{Changed: true, Updated: group.Clone()}
			}
			if e.Kind == KindToolGroup && e.Tool != nil && e.Tool.GroupID == parent {
				e.Tool.Children = append(e.Tool.Children, child)
				e.refreshGroupStatus()
				return ApplyResult{Changed: true, Updated: e.Clone()}
			}
		}
		// Unresolved parent: treat as a top-level call.
		s.logger.Debug("parent tool id not found, appending top-level",
			"tool_id", toolID, "parent_tool_use_id", parent)
	}

	s.entries = append(s.entries, child)
	return ApplyResult{Changed: true, Updated: child.Clone()}
}

// applyToolResultChunk appends a standalone tool_result entry. This is
// distinct from completing a pending tool call, which only the tool_result
// event does.
func (s *Session) applyToolResultChunk(ev *stream.Event) ApplyResult {
	md := ev.Metadata
	entry := s.newEntry(KindToolResult)
	entry.Text = ev.Content
	entry.Meta = md
	entry.IsError = md.Bool("is_error")
	if md.ToolID() != "" || md.ToolName() != "" {
		entry.Tool = &ToolMeta{
			ToolID:         md.ToolID(),
			ToolName:       md.ToolName(),
			ToolResult:     ev.Content,
			ResultIsError:  entry.IsError,
			ResultReceived: true,
			ProgressPct:    100,
		}
	}
	s.entries = append(s.entries, entry)
	return ApplyResult{Changed: true, Updated: entry.Clone()}
}

// appendOrMergeChunk handles the remaining chunk kinds: append content to
// the last entry when it has the same kind, otherwise start a new entry.
func (s *Session) appendOrMergeChunk(kind Kind, ev *stream.Event) ApplyResult {
	res := ApplyResult{Changed: true}
	if kind == KindResult {
		res.Usage = ev.Metadata.Usage()
	}

	if last := s.lastEntry(); last != nil && last.Kind == kind {
		last.Text += ev.Content
		last.Meta = last.Meta.Merge(ev.Metadata)
		if sub := ev.Metadata.String("subtype"); sub != "" {
			last.Subtype = sub
		}
		if ev.Metadata.Bool("is_error") {
			last.IsError = true
		}
		res.Updated = last.Clone()
		return res
	}

	entry := s.newEntry(kind)
	entry.Text = ev.Content
	entry.Meta = ev.Metadata
	entry.Subtype = ev.Metadata.String("subtype")
	entry.IsError = ev.Metadata.Bool("is_error")
	s.entries = append(s.entries, entry)
	res.Updated = entry.Clone()
	return res
}

// applyToolResult completes a pending tool call by correlation id. Results
// with no matching call are dropped: the transport delivers calls before
// results on one ordered stream, so an unmatched id means an upstream bug,
// and buffering it would hold stale output across a Clear.
func (s *Session) applyToolResult(ev *stream.Event) ApplyResult {
	match, container := findTool(s.entries, ev.ToolUseID)
	if match == nil {
		return ApplyResult{Notices: []Notice{{
			Kind:   NoticeCorrelationMiss,
			Detail: map[string]any{"tool_use_id": ev.ToolUseID},
		}}}
	}

	t := match.Tool
	t.ToolResult = ev.Content
	t.ResultIsError = ev.IsError
	t.ResultReceived = true
	t.IsLoading = false
	t.ProgressPct = 100
	t.ElapsedSec = float64(t.EstimatedDurationSec)
	match.IsError = ev.IsError

	if container != match {
		container.refreshGroupStatus()
	}
	return ApplyResult{Changed: true, Updated: container.Clone()}
}

// applyStopped removes a trailing empty assistant/result entry and records
// the cancellation. Receiving stopped again after the notice was recorded is
// a no-op.
func (s *Session) applyStopped() ApplyResult {
	s.awaiting = false

	last := s.lastEntry()
	if last != nil && last.Kind == KindResult && last.Subtype == SubtypeStopped {
		return ApplyResult{}
	}
	if last != nil && (last.Kind == KindAssistant || last.Kind == KindResult) && last.Text == "" {
		s.entries = s.entries[:len(s.entries)-1]
	}

	entry := s.newEntry(KindResult)
	entry.Subtype = SubtypeStopped
	entry.Text = stoppedNotice
	s.entries = append(s.entries, entry)
	return ApplyResult{Changed: true, Updated: entry.Clone()}
}

func (s *Session) applyError(ev *stream.Event) ApplyResult {
	s.awaiting = false
	entry := s.newEntry(KindResult)
	entry.Subtype = SubtypeError
	entry.Text = ev.Message
	entry.IsError = true
	s.entries = append(s.entries, entry)
	return ApplyResult{Changed: true, Updated: entry.Clone()}
}

func (s *Session) applyErrorActions(ev *stream.Event) ApplyResult {
	s.awaiting = false
	entry := s.newEntry(KindError)
	entry.Subtype = SubtypeError
	entry.Text = ev.Message
	entry.IsError = true
	entry.Actions = append([]stream.Action(nil), ev.Actions...)
	s.entries = append(s.entries, entry)
	return ApplyResult{Changed: true, Updated: entry.Clone()}
}

// AddUserInput appends a user_input entry. User turns enter through the API
// rather than the agent stream, which only carries agent-side events.
func (s *Session) AddUserInput(text string, attachments []Attachment) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.newEntry(KindUserInput)
	entry.Text = text
	entry.Attachments = append([]Attachment(nil), attachments...)
	s.entries = append(s.entries, entry)
	return entry.Clone()
}

// Clear resets the history to empty.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.seenTools = make(map[string]bool)
	s.awaiting = false
}

// Entries returns a deep copy of the current history.
func (s *Session) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEntries(s.entries)
}

// EntryCount returns the number of top-level entries.
func (s *Session) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// AwaitingResponse reports whether a stream turn is in flight.
func (s *Session) AwaitingResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiting
}

// LoadEntries replaces the history with a previously persisted snapshot and
// rebuilds the tool id index used for uniqueness checks.
func (s *Session) LoadEntries(entries []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = entries
	s.seenTools = make(map[string]bool)
	for _, e := range entries {
		switch e.Kind {
		case KindTool:
			if e.Tool != nil && e.Tool.ToolID != "" {
				s.seenTools[e.Tool.ToolID] = true
			}
		case KindToolGroup:
			if e.Tool == nil {
				continue
			}
			for _, child := range e.Tool.Children {
				if child.Tool != nil && child.Tool.ToolID != "" {
					s.seenTools[child.Tool.ToolID] = true
				}
			}
		}
	}
}

// Tick refreshes elapsed time and progress on every loading tool entry,
// recursing into group children. Returns deep copies of the top-level
// entries that changed. Progress is capped below 100 so an open tool never
// reports done.
func (s *Session) Tick() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var updated []*Entry
	for _, e := range s.entries {
		switch e.Kind {
		case KindTool:
			if tickTool(e.Tool, now) {
				updated = append(updated, e.Clone())
			}
		case KindToolGroup:
			if e.Tool == nil {
				continue
			}
			changed := false
			for _, child := range e.Tool.Children {
				if tickTool(child.Tool, now) {
					changed = true
				}
			}
			if changed {
				e.refreshGroupStatus()
				updated = append(updated, e.Clone())
			}
		}
	}
	return updated
}

func tickTool(t *ToolMeta, now time.Time) bool {
	if t == nil || !t.IsLoading {
		return false
	}
	elapsed := now.Sub(t.StartedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	t.ElapsedSec = elapsed
	if t.EstimatedDurationSec > 0 {
		pct := 100 * elapsed / float64(t.EstimatedDurationSec)
		if pct > 95 {
			pct = 95
		}
		t.ProgressPct = pct
	}
	return true
}

// StartTicker launches the per-session progress refresher. onUpdate receives
// the changed top-level entries after each pass; ticks never trigger
// snapshot writes since progress fields are recomputed from started_at.
func (s *Session) StartTicker(interval time.Duration, onUpdate func([]*Entry)) {
	if interval <= 0 {
		interval = time.Second
	}

	s.mu.Lock()
	if s.tickCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if changed := s.Tick(); len(changed) > 0 && onUpdate != nil {
					onUpdate(changed)
				}
			}
		}
	}()
}

// StopTicker cancels the progress refresher. Safe to call more than once.
func (s *Session) StopTicker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
}

func (s *Session) newEntry(kind Kind) *Entry {
	return &Entry{
		ID:        uuid.New().String(),
		Kind:      kind,
		CreatedAt: s.now(),
	}
}

func (s *Session) lastEntry() *Entry {
	if len(s.entries) == 0 {
		return nil
	}
	return s.entries[len(s.entries)-1]
}
