// Package conversation aggregates agent stream events into renderable
// conversation histories.
//
// # Overview
//
// The conversation package sits between the ingest/HTTP handlers and the
// persistence layer. Each Session reduces a sequence of stream events
// (stream starts, text chunks, tool calls, tool results, terminal events)
// into an ordered list of Entry values that a UI can render directly.
//
// # Session
//
// A Session owns one conversation's history. Apply reduces a single event
// and reports what changed:
//
//	sess := conversation.NewSession(id, estimator, logger)
//	res := sess.Apply(ev)
//
// Entries are append-only in arrival order. A tool call that lands at the
// same position as an existing tool call promotes both into a tool_group
// entry, which then aggregates loading and error state from its children.
// Tool results correlate back to their call by tool id, searching top-level
// entries first and then group children; results that match nothing are
// dropped and reported as notices.
//
// # Service
//
// The Service coordinates live sessions:
//
//	svc := conversation.New(store, broadcaster, estimator, interval, logger)
//
// Key operations:
//
//   - ApplyEvent(ctx, sessionID, ev): reduce one event, then persist,
//     record anomalies, and fan out notifications
//   - AddUserInput(ctx, sessionID, text, attachments): append user input
//   - Entries(ctx, sessionID): deep copy of the current history
//   - ClearHistory(ctx, sessionID): reset and persist the empty history
//
// Histories are restored from the snapshot store on first access; missing
// or corrupt snapshots yield an empty history rather than an error.
// Snapshot writes after each accepted event are fire-and-forget.
//
// # Progress
//
// Tool calls carry an estimated duration (exact name match, substring
// match, category heuristic, or a default). While a call is loading, a
// per-session ticker refreshes its elapsed time and progress percentage;
// displayed progress caps below completion until the real result arrives.
//
// # Notifications
//
// The Broadcaster fans out history changes for live rendering:
//
//	svc.Subscribe(ctx, sessionID) -> <-chan *Notification
//
// Notification types:
//   - entry: a top-level entry was appended or updated
//   - progress: a ticker refresh of a loading entry
//   - collapse: fold open tool displays (a new stream started)
//   - cleared: the history was reset
package conversation
