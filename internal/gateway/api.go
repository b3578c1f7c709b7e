// ABOUTME: HTTP API handlers for session history, event injection, and SSE streaming.
// ABOUTME: Exposes the conversation service to UI clients and socketless agents.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/conversation"
	"github.com/2389/loom-gateway/internal/convert"
	"github.com/2389/loom-gateway/internal/ingest"
	"github.com/2389/loom-gateway/internal/store"
)

// UserInputRequest is the JSON request body for POST /api/sessions/{id}/input.
type UserInputRequest struct {
	Text        string                    `json:"text"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

// SessionsResponse is the JSON response for GET /api/sessions.
type SessionsResponse struct {
	Sessions []*store.SessionInfo `json:"sessions"`
}

// EntriesResponse is the JSON response for GET /api/sessions/{id}/entries.
type EntriesResponse struct {
	SessionID string                `json:"session_id"`
	Entries   []*conversation.Entry `json:"entries"`
}

// MessagesResponse is the JSON response for GET /api/sessions/{id}/messages.
// Warnings carry both conversion skips and validator diagnostics.
type MessagesResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []convert.Message `json:"messages"`
	Warnings  []string          `json:"warnings"`
}

// InjectEventResponse is the JSON response for POST /api/sessions/{id}/events.
type InjectEventResponse struct {
	Status string `json:"status"` // "accepted" or "duplicate"
}

// registerAPIRoutes registers API and ingest routes, wrapped in auth
// middleware when a JWT secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) {
	if cfg.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		authMiddleware := auth.Middleware(verifier)
		mux.Handle("GET /api/sessions", authMiddleware(http.HandlerFunc(g.handleListSessions)))
		mux.Handle("POST /api/sessions/{id}/events", authMiddleware(http.HandlerFunc(g.handleInjectEvent)))
		mux.Handle("POST /api/sessions/{id}/input", authMiddleware(http.HandlerFunc(g.handleUserInput)))
		mux.Handle("GET /api/sessions/{id}/entries", authMiddleware(http.HandlerFunc(g.handleEntries)))
		mux.Handle("GET /api/sessions/{id}/messages", authMiddleware(http.HandlerFunc(g.handleMessages)))
		mux.Handle("DELETE /api/sessions/{id}/history", authMiddleware(http.HandlerFunc(g.handleClearHistory)))
		mux.Handle("GET /api/stats/usage", authMiddleware(http.HandlerFunc(g.handleUsageStats)))
		mux.Handle("GET /api/stream", authMiddleware(http.HandlerFunc(g.handleStream)))
		mux.Handle("GET /ws/ingest", authMiddleware(http.HandlerFunc(g.ingest.HandleWS)))
		logger.Info("HTTP auth middleware enabled")
	} else {
		mux.HandleFunc("GET /api/sessions", g.handleListSessions)
		mux.HandleFunc("POST /api/sessions/{id}/events", g.handleInjectEvent)
		mux.HandleFunc("POST /api/sessions/{id}/input", g.handleUserInput)
		mux.HandleFunc("GET /api/sessions/{id}/entries", g.handleEntries)
		mux.HandleFunc("GET /api/sessions/{id}/messages", g.handleMessages)
		mux.HandleFunc("DELETE /api/sessions/{id}/history", g.handleClearHistory)
		mux.HandleFunc("GET /api/stats/usage", g.handleUsageStats)
		mux.HandleFunc("GET /api/stream", g.handleStream)
		mux.HandleFunc("GET /ws/ingest", g.ingest.HandleWS)
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
}

// handleListSessions handles GET /api/sessions requests.
// Returns persisted sessions merged with live ones, most recent first.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.conversation.Sessions(r.Context())
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if sessions == nil {
		sessions = []*store.SessionInfo{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SessionsResponse{Sessions: sessions})
}

// handleInjectEvent handles POST /api/sessions/{id}/events requests.
// Accepts a single stream event envelope without a WebSocket.
func (g *Gateway) handleInjectEvent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading request body")
		return
	}

	err = g.ingest.ProcessEvent(r.Context(), sessionID, body)
	if errors.Is(err, ingest.ErrDuplicateEvent) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(InjectEventResponse{Status: "duplicate"})
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid event: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(InjectEventResponse{Status: "accepted"})
}

// handleUserInput handles POST /api/sessions/{id}/input requests.
// Appends a user message to the session's history.
func (g *Gateway) handleUserInput(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	req, err := parseUserInputRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := g.conversation.AddUserInput(r.Context(), sessionID, req.Text, req.Attachments)
	if err != nil {
		g.logger.Error("failed to add user input", "error", err, "session_id", sessionID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// handleEntries handles GET /api/sessions/{id}/entries requests.
// Returns the session's current display history.
func (g *Gateway) handleEntries(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	entries, err := g.conversation.Entries(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("failed to load entries", "error", err, "session_id", sessionID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if entries == nil {
		entries = []*conversation.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EntriesResponse{SessionID: sessionID, Entries: entries})
}

// handleMessages handles GET /api/sessions/{id}/messages requests.
// Converts the session's history into model-ready messages and runs the
// sequence validator over the result.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	entries, err := g.conversation.Entries(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("failed to load entries", "error", err, "session_id", sessionID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msgs, warnings := convert.Messages(entries)
	warnings = append(warnings, convert.Validate(msgs)...)

	if msgs == nil {
		msgs = []convert.Message{}
	}
	if warnings == nil {
		warnings = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MessagesResponse{
		SessionID: sessionID,
		Messages:  msgs,
		Warnings:  warnings,
	})
}

// handleClearHistory handles DELETE /api/sessions/{id}/history requests.
func (g *Gateway) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if err := g.conversation.ClearHistory(r.Context(), sessionID); err != nil {
		g.logger.Error("failed to clear history", "error", err, "session_id", sessionID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUsageStats handles GET /api/stats/usage requests.
// Supports optional ?session=ID to scope totals to one session.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")

	totals, err := g.store.UsageTotals(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("failed to aggregate usage", "error", err, "session_id", sessionID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(totals)
}

// handleStream handles GET /api/stream?session=ID requests.
// Streams conversation notifications for the session as Server-Sent Events.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	notifCh, subID := g.conversation.Subscribe(r.Context(), sessionID)
	defer g.conversation.Unsubscribe(sessionID, subID)

	// Send initial connection event so clients can confirm the subscription
	fmt.Fprintf(w, "event: connected\ndata: {\"session_id\": %q}\n\n", sessionID)
	flusher.Flush()

	// Heartbeat keeps intermediaries from timing out idle streams
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case n, ok := <-notifCh:
			if !ok {
				return
			}

			data, err := json.Marshal(n)
			if err != nil {
				g.logger.Error("failed to marshal notification", "error", err)
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			flusher.Flush()
		}
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseUserInputRequest parses and validates a UserInputRequest from the
// given reader. Returns an error if the JSON is invalid or text is missing.
func parseUserInputRequest(r io.Reader) (*UserInputRequest, error) {
	var req UserInputRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.Text == "" {
		return nil, errors.New("text is required")
	}

	return &req, nil
}
