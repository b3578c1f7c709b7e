// ABOUTME: In-memory fan-out broadcaster for conversation UI notifications
// ABOUTME: Publishes entry updates, progress refreshes, and collapse signals per session

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// NotificationType identifies what a notification reports.
type NotificationType string

const (
	// NotificationEntry reports that a top-level entry was appended or
	// updated; Entry carries its current state.
	NotificationEntry NotificationType = "entry"
	// NotificationProgress reports a ticker refresh of a loading entry.
	NotificationProgress NotificationType = "progress"
	// NotificationCollapse asks the UI to fold all open tool displays
	// except the entry named by ExceptEntryID. Fire-and-forget.
	NotificationCollapse NotificationType = "collapse"
	// NotificationCleared reports that the history was reset.
	NotificationCleared NotificationType = "cleared"
)

// Notification is one UI-facing event about a session's history.
type Notification struct {
	Type          NotificationType `json:"type"`
	SessionID     string           `json:"session_id"`
	Entry         *Entry           `json:"entry,omitempty"`
	ExceptEntryID string           `json:"except_entry_id,omitempty"`
}

// Broadcaster provides in-memory pub/sub for session notifications.
// Subscribers register for a session id and receive notifications as the
// history changes, enabling live render without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Notification // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Notification),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for notifications on the given session.
// Returns a channel and a subscription id for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan *Notification, string) {
	subID := uuid.New().String()
	ch := make(chan *Notification, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *Notification)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends a notification to all subscribers of the session.
// Non-blocking: notifications are dropped for subscribers whose channels
// are full.
func (b *Broadcaster) Publish(n *Notification) {
	b.mu.RLock()
	subs, ok := b.subscribers[n.SessionID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy channels under read lock to avoid holding it during sends.
	targets := make([]chan *Notification, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- n:
		default:
			b.logger.Debug("dropped notification for slow subscriber",
				"session_id", n.SessionID, "type", string(n.Type))
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("broadcaster closed")
}
