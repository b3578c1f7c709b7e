// ABOUTME: Manages live agent WebSocket streams and routes decoded events downstream.
// ABOUTME: Central registry keyed by session, with duplicate suppression on ingest.

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/loom-gateway/internal/conversation"
	"github.com/2389/loom-gateway/internal/dedupe"
	"github.com/2389/loom-gateway/internal/store"
	"github.com/2389/loom-gateway/internal/stream"
)

// ErrSessionAlreadyConnected indicates a live agent stream is already
// registered for the session.
var ErrSessionAlreadyConnected = errors.New("session already connected")

// ErrDuplicateEvent indicates the event was dropped by duplicate suppression.
var ErrDuplicateEvent = errors.New("duplicate event")

// EventSink applies decoded stream events to a session's history.
type EventSink interface {
	ApplyEvent(ctx context.Context, sessionID string, ev *stream.Event) (conversation.ApplyResult, error)
}

// AnomalyStore records suppressed-event anomalies.
type AnomalyStore interface {
	SaveAnomaly(ctx context.Context, a *store.Anomaly) error
}

// Manager accepts agent WebSocket streams and feeds their events to the
// conversation service. At most one live connection per session.
type Manager struct {
	sink      EventSink
	cache     *dedupe.Cache
	anomalies AnomalyStore
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	conns map[string]*connection
	mu    sync.RWMutex
}

// NewManager creates a Manager. cache and anomalies may be nil, which
// disables duplicate suppression and anomaly records respectively.
func NewManager(sink EventSink, cache *dedupe.Cache, anomalies AnomalyStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sink:      sink,
		cache:     cache,
		anomalies: anomalies,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "ingest"),
		conns:  make(map[string]*connection),
	}
}

// HandleWS upgrades GET /ws/ingest?session=ID to a WebSocket and runs the
// read loop until the agent disconnects.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		m.logger.Warn("websocket upgrade failed",
			"session_id", sessionID,
			"error", err)
		return
	}

	conn := newConnection(sessionID, ws)
	if err := m.register(conn); err != nil {
		m.logger.Warn("rejecting agent stream",
			"session_id", sessionID,
			"remote_addr", conn.remoteAddr,
			"error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	defer m.unregister(conn)

	m.readLoop(r.Context(), conn)
}

// readLoop consumes frames until the agent disconnects or the connection is
// torn down. Malformed frames are skipped; the connection survives them.
func (m *Manager) readLoop(ctx context.Context, c *connection) {
	defer c.ws.Close()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Info("agent stream closed", "session_id", c.sessionID)
			} else {
				m.logger.Warn("agent stream read failed",
					"session_id", c.sessionID,
					"error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			m.logger.Debug("ignoring non-text frame", "session_id", c.sessionID)
			continue
		}

		// Decode errors and duplicates are logged inside ProcessEvent.
		_ = m.ProcessEvent(ctx, c.sessionID, data)
	}
}

// ProcessEvent decodes one event frame, applies duplicate suppression, and
// hands the event to the conversation service. Returns ErrDuplicateEvent for
// suppressed redeliveries and a decode error for malformed frames. Also
// serves socketless injection via POST /api/sessions/{id}/events.
func (m *Manager) ProcessEvent(ctx context.Context, sessionID string, data []byte) error {
	ev, err := stream.Decode(data)
	if err != nil {
		if errors.Is(err, stream.ErrUnknownEventType) {
			m.logger.Warn("unknown event type, skipping",
				"session_id", sessionID,
				"error", err)
		} else {
			m.logger.Warn("malformed event frame, skipping",
				"session_id", sessionID,
				"error", err)
		}
		return err
	}

	if m.cache != nil && m.cache.CheckAndMark(sessionID, ev.EventID) {
		m.logger.Debug("duplicate event dropped",
			"session_id", sessionID,
			"event_id", ev.EventID)
		go m.saveDuplicate(sessionID, ev.EventID)
		return ErrDuplicateEvent
	}

	if _, err := m.sink.ApplyEvent(ctx, sessionID, ev); err != nil {
		m.logger.Error("failed to apply event",
			"session_id", sessionID,
			"type", string(ev.Type),
			"error", err)
		return err
	}
	return nil
}

// Connected reports whether a live agent stream exists for the session.
func (m *Manager) Connected(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.conns[sessionID]
	return ok
}

// ActiveCount returns the number of live agent streams.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.conns)
}

// CloseAll tears down every live agent stream. Called during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// register adds a live connection. Returns ErrSessionAlreadyConnected if the
// session already has one.
func (m *Manager) register(c *connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[c.sessionID]; exists {
		return ErrSessionAlreadyConnected
	}

	m.conns[c.sessionID] = c
	m.logger.Info("=== AGENT CONNECTED ===",
		"session_id", c.sessionID,
		"remote_addr", c.remoteAddr,
		"total_sessions", len(m.conns),
	)
	return nil
}

// unregister removes a live connection if it is still the registered one.
func (m *Manager) unregister(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, exists := m.conns[c.sessionID]; exists && cur == c {
		delete(m.conns, c.sessionID)
		m.logger.Info("=== AGENT DISCONNECTED ===",
			"session_id", c.sessionID,
			"total_sessions", len(m.conns),
		)
	}
}

// saveDuplicate records the suppressed event with a separate timeout context.
func (m *Manager) saveDuplicate(sessionID, eventID string) {
	if m.anomalies == nil {
		return
	}

	detail, _ := json.Marshal(map[string]string{"event_id": eventID})

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.anomalies.SaveAnomaly(saveCtx, &store.Anomaly{
		SessionID: sessionID,
		Kind:      store.AnomalyDuplicateEvent,
		Detail:    string(detail),
	}); err != nil {
		m.logger.Error("failed to save anomaly",
			"error", err,
			"session_id", sessionID,
			"kind", store.AnomalyDuplicateEvent)
	}
}
