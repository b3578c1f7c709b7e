// ABOUTME: Service is the central layer for session aggregation and persistence
// ABOUTME: All stream events flow through here - apply results drive snapshots, anomalies, and fan-out

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/loom-gateway/internal/store"
	"github.com/2389/loom-gateway/internal/stream"
)

// SessionStore defines what the service needs from storage.
type SessionStore interface {
	SaveSnapshot(ctx context.Context, sessionID string, entries []byte, entryCount int) error
	LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error)
	ListSessions(ctx context.Context) ([]*store.SessionInfo, error)

	SaveAnomaly(ctx context.Context, anomaly *store.Anomaly) error
	SaveUsage(ctx context.Context, usage *store.Usage) error
}

// managedSession pairs a session with its snapshot writer state. saveMu
// serializes snapshot writes so a slow save can never clobber a newer one;
// each writer re-reads the current history under the lock.
type managedSession struct {
	session *Session
	saveMu  sync.Mutex
}

// Service owns the live sessions and ensures every accepted event is
// persisted and fanned out. Event application itself is synchronous;
// snapshot writes and anomaly records are fire-and-forget.
type Service struct {
	store     SessionStore
	bcast     *Broadcaster
	estimator *Estimator
	logger    *slog.Logger

	progressInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*managedSession
}

// New creates a new conversation Service.
func New(st SessionStore, bcast *Broadcaster, estimator *Estimator, progressInterval time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if estimator == nil {
		estimator = NewEstimator()
	}
	if progressInterval <= 0 {
		progressInterval = time.Second
	}
	return &Service{
		store:            st,
		bcast:            bcast,
		estimator:        estimator,
		logger:           logger.With("component", "conversation"),
		progressInterval: progressInterval,
		sessions:         make(map[string]*managedSession),
	}
}

// Open returns the live session for the given id, restoring its history
// from the snapshot store on first access. A missing or corrupt snapshot
// yields an empty history, never an error.
func (s *Service) Open(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	s.mu.RLock()
	ms, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return ms.session, nil
	}

	entries, err := s.loadEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have opened the session while we were loading.
	if existing, ok := s.sessions[sessionID]; ok {
		return existing.session, nil
	}

	sess := NewSession(sessionID, s.estimator, s.logger)
	sess.LoadEntries(entries)
	sess.StartTicker(s.progressInterval, func(changed []*Entry) {
		for _, e := range changed {
			s.publish(&Notification{
				Type:      NotificationProgress,
				SessionID: sessionID,
				Entry:     e,
			})
		}
	})

	s.sessions[sessionID] = &managedSession{session: sess}
	s.logger.Info("session opened", "session_id", sessionID, "restored_entries", len(entries))
	return sess, nil
}

// loadEntries restores a session's history from its snapshot.
func (s *Service) loadEntries(ctx context.Context, sessionID string) ([]*Entry, error) {
	data, err := s.store.LoadSnapshot(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt snapshot must not brick the session; start fresh.
		s.logger.Warn("corrupt snapshot, starting with empty history",
			"session_id", sessionID, "error", err)
		return nil, nil
	}
	return entries, nil
}

// ApplyEvent reduces one stream event into the session's history, then
// persists the snapshot, records anomalies, and publishes notifications
// according to what the apply did.
func (s *Service) ApplyEvent(ctx context.Context, sessionID string, ev *stream.Event) (ApplyResult, error) {
	ms, err := s.managed(ctx, sessionID)
	if err != nil {
		return ApplyResult{}, err
	}

	res := ms.session.Apply(ev)
	s.handleResult(ms, sessionID, res)
	return res, nil
}

// AddUserInput appends a user message to the session's history.
func (s *Service) AddUserInput(ctx context.Context, sessionID, text string, attachments []Attachment) (*Entry, error) {
	ms, err := s.managed(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	entry := ms.session.AddUserInput(text, attachments)
	go s.persistSnapshot(ms)
	s.publish(&Notification{
		Type:      NotificationEntry,
		SessionID: sessionID,
		Entry:     entry,
	})
	return entry, nil
}

// Entries returns a deep copy of the session's current history.
func (s *Service) Entries(ctx context.Context, sessionID string) ([]*Entry, error) {
	ms, err := s.managed(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ms.session.Entries(), nil
}

// Awaiting reports whether the session has an open stream with no visible
// output yet.
func (s *Service) Awaiting(ctx context.Context, sessionID string) (bool, error) {
	ms, err := s.managed(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return ms.session.AwaitingResponse(), nil
}

// ClearHistory resets the session to an empty history and persists the
// empty snapshot so the reset survives a restart.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	ms, err := s.managed(ctx, sessionID)
	if err != nil {
		return err
	}

	ms.session.Clear()

	ms.saveMu.Lock()
	defer ms.saveMu.Unlock()
	if err := s.store.SaveSnapshot(ctx, sessionID, []byte("[]"), 0); err != nil {
		return fmt.Errorf("persisting cleared history: %w", err)
	}

	s.publish(&Notification{
		Type:      NotificationCleared,
		SessionID: sessionID,
	})
	s.logger.Info("history cleared", "session_id", sessionID)
	return nil
}

// Sessions lists known sessions: everything in the snapshot store, plus
// live sessions whose first snapshot write hasn't landed yet.
func (s *Service) Sessions(ctx context.Context) ([]*store.SessionInfo, error) {
	infos, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	known := make(map[string]bool, len(infos))
	for _, info := range infos {
		known[info.SessionID] = true
	}

	s.mu.RLock()
	for id, ms := range s.sessions {
		if !known[id] {
			infos = append(infos, &store.SessionInfo{
				SessionID:  id,
				EntryCount: ms.session.EntryCount(),
				UpdatedAt:  time.Now().UTC(),
			})
		}
	}
	s.mu.RUnlock()

	return infos, nil
}

// Subscribe registers for live notifications about a session's history.
func (s *Service) Subscribe(ctx context.Context, sessionID string) (<-chan *Notification, string) {
	return s.bcast.Subscribe(ctx, sessionID)
}

// Unsubscribe removes a notification subscription.
func (s *Service) Unsubscribe(sessionID, subID string) {
	s.bcast.Unsubscribe(sessionID, subID)
}

// Close stops all session tickers. The broadcaster is owned by the caller
// and closed separately.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ms := range s.sessions {
		ms.session.StopTicker()
	}
	s.sessions = make(map[string]*managedSession)
	s.logger.Debug("conversation service closed")
}

// managed returns the managedSession wrapper, opening the session if needed.
func (s *Service) managed(ctx context.Context, sessionID string) (*managedSession, error) {
	if _, err := s.Open(ctx, sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID], nil
}

// handleResult turns an ApplyResult into persistence and fan-out work.
func (s *Service) handleResult(ms *managedSession, sessionID string, res ApplyResult) {
	for _, n := range res.Notices {
		go s.saveAnomaly(sessionID, n)
	}
	if res.Usage != nil {
		go s.saveUsage(sessionID, res.Usage)
	}

	if !res.Changed {
		return
	}

	go s.persistSnapshot(ms)

	if res.Collapse {
		s.publish(&Notification{
			Type:          NotificationCollapse,
			SessionID:     sessionID,
			ExceptEntryID: res.CollapseExceptID,
		})
	}
	if res.Updated != nil {
		s.publish(&Notification{
			Type:      NotificationEntry,
			SessionID: sessionID,
			Entry:     res.Updated,
		})
	}
}

func (s *Service) publish(n *Notification) {
	if s.bcast != nil {
		s.bcast.Publish(n)
	}
}

// persistSnapshot writes the session's current history with a separate
// timeout context. This ensures persistence continues even if the request
// context is cancelled.
func (s *Service) persistSnapshot(ms *managedSession) {
	ms.saveMu.Lock()
	defer ms.saveMu.Unlock()

	entries := ms.session.Entries()
	data, err := json.Marshal(entries)
	if err != nil {
		s.logger.Error("failed to marshal snapshot",
			"error", err,
			"session_id", ms.session.ID())
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.SaveSnapshot(saveCtx, ms.session.ID(), data, len(entries)); err != nil {
		s.logger.Error("failed to save snapshot",
			"error", err,
			"session_id", ms.session.ID(),
			"entry_count", len(entries))
	} else {
		s.logger.Debug("snapshot saved",
			"session_id", ms.session.ID(),
			"entry_count", len(entries))
	}
}

// saveAnomaly records one dropped-event notice with a separate timeout context.
func (s *Service) saveAnomaly(sessionID string, n Notice) {
	detail, err := json.Marshal(n.Detail)
	if err != nil {
		detail = []byte("{}")
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.SaveAnomaly(saveCtx, &store.Anomaly{
		SessionID: sessionID,
		Kind:      string(n.Kind),
		Detail:    string(detail),
	}); err != nil {
		s.logger.Error("failed to save anomaly",
			"error", err,
			"session_id", sessionID,
			"kind", string(n.Kind))
	}
}

// saveUsage records stream accounting with a separate timeout context.
func (s *Service) saveUsage(sessionID string, u *stream.Usage) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.SaveUsage(saveCtx, &store.Usage{
		SessionID:    sessionID,
		NumTurns:     u.NumTurns,
		DurationMs:   u.DurationMs,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalCostUSD: u.TotalCostUSD,
	}); err != nil {
		s.logger.Error("failed to save usage",
			"error", err,
			"session_id", sessionID)
	} else {
		s.logger.Debug("usage saved",
			"session_id", sessionID,
			"input_tokens", u.InputTokens,
			"output_tokens", u.OutputTokens)
	}
}
