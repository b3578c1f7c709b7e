// ABOUTME: Read-only web view over conversation transcripts.
// ABOUTME: Serves a session list and rendered transcript pages with optional basic auth.

package webview

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/conversation"
)

// basicAuthUser is the fixed username for the view's basic auth.
const basicAuthUser = "admin"

// Live reports whether a session currently has a connected agent stream.
type Live interface {
	Connected(sessionID string) bool
}

// Config carries the view's collaborators.
type Config struct {
	Conversation *conversation.Service
	Live         Live
	PasswordHash string // bcrypt hash; empty disables basic auth
	Logger       *slog.Logger
}

// View serves the read-only transcript pages at /view.
type View struct {
	conv         *conversation.Service
	live         Live
	passwordHash string
	templates    *template.Template
	logger       *slog.Logger
}

// New creates a View, parsing the embedded templates.
func New(cfg Config) (*View, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	return &View{
		conv:         cfg.Conversation,
		live:         cfg.Live,
		passwordHash: cfg.PasswordHash,
		templates:    tmpl,
		logger:       logger.With("component", "webview"),
	}, nil
}

// RegisterRoutes registers the view's routes on the mux.
func (v *View) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /view", v.requireAuth(v.handleSessions))
	mux.HandleFunc("GET /view/{id}", v.requireAuth(v.handleTranscript))

	if v.passwordHash == "" {
		v.logger.Warn("web view basic auth disabled - no web.password_hash configured")
	}
	v.logger.Info("web view routes registered")
}

// requireAuth wraps a handler with basic auth when a password hash is set.
func (v *View) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if v.passwordHash == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != basicAuthUser || !auth.CheckPassword(v.passwordHash, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="loom-gateway"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleSessions renders the session list page.
func (v *View) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := v.conv.Sessions(r.Context())
	if err != nil {
		v.logger.Error("failed to list sessions", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	items := make([]sessionItem, len(sessions))
	for i, s := range sessions {
		items[i] = sessionItem{
			ID:         s.SessionID,
			EntryCount: s.EntryCount,
			UpdatedAt:  s.UpdatedAt.Format("2006-01-02 15:04:05"),
			Live:       v.isLive(s.SessionID),
		}
	}

	v.render(w, "sessions.html", sessionsData{
		Title:    "Sessions",
		Sessions: items,
	})
}

// handleTranscript renders one session's transcript page.
func (v *View) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	entries, err := v.conv.Entries(r.Context(), sessionID)
	if err != nil {
		v.logger.Error("failed to load entries", "error", err, "session_id", sessionID)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	v.render(w, "transcript.html", transcriptData{
		Title:     "Session " + sessionID,
		SessionID: sessionID,
		Live:      v.isLive(sessionID),
		Entries:   v.buildEntryViews(entries),
	})
}

func (v *View) isLive(sessionID string) bool {
	return v.live != nil && v.live.Connected(sessionID)
}

func (v *View) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := v.templates.ExecuteTemplate(w, name, data); err != nil {
		v.logger.Error("failed to render page", "template", name, "error", err)
	}
}
