// ABOUTME: Tests for HTTP API handlers covering session history, event injection, and SSE.
// ABOUTME: Verifies request handling, response shapes, and error conditions.

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/conversation"
	"github.com/2389/loom-gateway/internal/store"
	"github.com/2389/loom-gateway/internal/stream"
)

func TestHandleListSessions_Empty(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()

	gw.handleListSessions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	// An empty list must serialize as [], not null
	assert.Contains(t, rec.Body.String(), `"sessions":[]`)
}

func TestHandleListSessions_WithSessions(t *testing.T) {
	gw := newTestGateway(t)
	ctx := t.Context()

	_, err := gw.conversation.AddUserInput(ctx, "session-a", "hello", nil)
	require.NoError(t, err)
	_, err = gw.conversation.AddUserInput(ctx, "session-b", "hi there", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()

	gw.handleListSessions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 2)

	ids := []string{resp.Sessions[0].SessionID, resp.Sessions[1].SessionID}
	assert.Contains(t, ids, "session-a")
	assert.Contains(t, ids, "session-b")
	for _, s := range resp.Sessions {
		assert.Equal(t, 1, s.EntryCount)
	}
}

func TestHandleInjectEvent_Accepted(t *testing.T) {
	gw := newTestGateway(t)

	frame := `{"type":"chunk","message_type":"assistant","content":"Hello from HTTP"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/events", strings.NewReader(frame))
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleInjectEvent(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp InjectEventResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "accepted", resp.Status)

	entries, err := gw.conversation.Entries(t.Context(), "session-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, conversation.KindAssistant, entries[0].Kind)
	assert.Equal(t, "Hello from HTTP", entries[0].Text)
}

func TestHandleInjectEvent_Duplicate(t *testing.T) {
	gw := newTestGateway(t)

	frame := `{"type":"chunk","event_id":"ev-1","message_type":"assistant","content":"once"}`

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/events", strings.NewReader(frame))
		req.SetPathValue("id", "session-1")
		rec := httptest.NewRecorder()
		gw.handleInjectEvent(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusAccepted, first.Code)

	second := send()
	require.Equal(t, http.StatusOK, second.Code)

	var resp InjectEventResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&resp))
	assert.Equal(t, "duplicate", resp.Status)

	entries, err := gw.conversation.Entries(t.Context(), "session-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "duplicate must not apply twice")
}

func TestHandleInjectEvent_MalformedJSON(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/events", strings.NewReader("{not json"))
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleInjectEvent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Contains(t, errResp["error"], "invalid event")
}

func TestHandleInjectEvent_UnknownType(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/events",
		strings.NewReader(`{"type":"hologram"}`))
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleInjectEvent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleUserInput_Success(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(UserInputRequest{Text: "fix the flaky test"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/input", bytes.NewReader(body))
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleUserInput(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var entry conversation.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entry))
	assert.Equal(t, conversation.KindUserInput, entry.Kind)
	assert.Equal(t, "fix the flaky test", entry.Text)
	assert.NotEmpty(t, entry.ID)
}

func TestHandleUserInput_WithAttachments(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(UserInputRequest{
		Text: "look at this screenshot",
		Attachments: []conversation.Attachment{
			{MediaType: "image/png", Data: "aGVsbG8="},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/input", bytes.NewReader(body))
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleUserInput(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var entry conversation.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entry))
	require.Len(t, entry.Attachments, 1)
	assert.Equal(t, "image/png", entry.Attachments[0].MediaType)
}

func TestHandleUserInput_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/input", strings.NewReader("not json"))
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleUserInput(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "invalid JSON body", errResp["error"])
}

func TestHandleUserInput_MissingText(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/input", strings.NewReader(`{}`))
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleUserInput(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "text is required", errResp["error"])
}

func TestHandleEntries_Empty(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/nonexistent/entries", nil)
	req.SetPathValue("id", "nonexistent")
	rec := httptest.NewRecorder()

	gw.handleEntries(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries":[]`)
}

func TestHandleEntries_WithHistory(t *testing.T) {
	gw := newTestGateway(t)
	ctx := t.Context()

	_, err := gw.conversation.AddUserInput(ctx, "session-1", "hello", nil)
	require.NoError(t, err)
	applyEvents(t, gw, "session-1",
		&stream.Event{Type: stream.EventStreamStart},
		&stream.Event{Type: stream.EventChunk, MessageType: "assistant", Content: "Hi!"},
		&stream.Event{Type: stream.EventStreamEnd},
	)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/session-1/entries", nil)
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleEntries(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntriesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "session-1", resp.SessionID)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, conversation.KindUserInput, resp.Entries[0].Kind)
	assert.Equal(t, conversation.KindAssistant, resp.Entries[1].Kind)
}

func TestHandleMessages(t *testing.T) {
	gw := newTestGateway(t)
	ctx := t.Context()

	_, err := gw.conversation.AddUserInput(ctx, "session-1", "what is 2+2?", nil)
	require.NoError(t, err)
	applyEvents(t, gw, "session-1",
		&stream.Event{Type: stream.EventStreamStart},
		&stream.Event{Type: stream.EventChunk, MessageType: "assistant", Content: "4"},
		&stream.Event{Type: stream.EventStreamEnd},
	)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/session-1/messages", nil)
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleMessages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp MessagesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "session-1", resp.SessionID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "user", string(resp.Messages[0].Role))
	assert.Equal(t, "assistant", string(resp.Messages[1].Role))
	assert.Empty(t, resp.Warnings)
}

func TestHandleMessages_EmptySession(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/empty/messages", nil)
	req.SetPathValue("id", "empty")
	rec := httptest.NewRecorder()

	gw.handleMessages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"messages":[]`)
	assert.Contains(t, rec.Body.String(), `"warnings":[]`)
}

func TestHandleClearHistory(t *testing.T) {
	gw := newTestGateway(t)
	ctx := t.Context()

	_, err := gw.conversation.AddUserInput(ctx, "session-1", "hello", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/session-1/history", nil)
	req.SetPathValue("id", "session-1")
	rec := httptest.NewRecorder()

	gw.handleClearHistory(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	entries, err := gw.conversation.Entries(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The session stays listed after a clear, just with no entries
	sessions, err := gw.conversation.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 0, sessions[0].EntryCount)
}

func TestHandleUsageStats_Empty(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stats/usage", nil)
	rec := httptest.NewRecorder()

	gw.handleUsageStats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var totals store.UsageTotals
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&totals))
	assert.Equal(t, 0, totals.Records)
	assert.Equal(t, int64(0), totals.InputTokens)
}

func TestHandleUsageStats_WithData(t *testing.T) {
	gw := newTestGateway(t)
	ctx := t.Context()

	saveUsage(t, gw, ctx, "session-a", 3, 1200, 100, 50, 0.02)
	saveUsage(t, gw, ctx, "session-b", 1, 400, 30, 10, 0.01)

	req := httptest.NewRequest(http.MethodGet, "/api/stats/usage", nil)
	rec := httptest.NewRecorder()

	gw.handleUsageStats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var totals store.UsageTotals
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&totals))
	assert.Equal(t, 2, totals.Records)
	assert.Equal(t, 4, totals.Turns)
	assert.Equal(t, int64(130), totals.InputTokens)
	assert.Equal(t, int64(60), totals.OutputTokens)
	assert.InDelta(t, 0.03, totals.TotalCostUSD, 0.0001)
}

func TestHandleUsageStats_FilterBySession(t *testing.T) {
	gw := newTestGateway(t)
	ctx := t.Context()

	saveUsage(t, gw, ctx, "session-a", 3, 1200, 100, 50, 0.02)
	saveUsage(t, gw, ctx, "session-b", 1, 400, 30, 10, 0.01)

	req := httptest.NewRequest(http.MethodGet, "/api/stats/usage?session=session-a", nil)
	rec := httptest.NewRecorder()

	gw.handleUsageStats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var totals store.UsageTotals
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&totals))
	assert.Equal(t, 1, totals.Records)
	assert.Equal(t, int64(100), totals.InputTokens)
}

func TestHandleStream_RequiresSession(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	rec := httptest.NewRecorder()

	gw.handleStream(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "session query parameter is required", errResp["error"])
}

func TestHandleStream_DeliversNotifications(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/stream?session=session-1")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)

	event, data := readSSEFrame(t, reader)
	assert.Equal(t, "connected", event)
	assert.Contains(t, data, `"session-1"`)

	// A new entry on the session must arrive as an entry notification
	_, err = gw.conversation.AddUserInput(context.Background(), "session-1", "live update", nil)
	require.NoError(t, err)

	event, data = readSSEFrame(t, reader)
	assert.Equal(t, string(conversation.NotificationEntry), event)
	assert.Contains(t, data, "live update")
}

func TestAPIAuth_RejectsMissingToken(t *testing.T) {
	gw := newTestGatewayWithAuth(t, "test-secret")
	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIAuth_AcceptsValidToken(t *testing.T) {
	gw := newTestGatewayWithAuth(t, "test-secret")
	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)

	token, err := auth.NewJWTVerifier([]byte("test-secret")).Generate("test-agent", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIAuth_RejectsWrongSecret(t *testing.T) {
	gw := newTestGatewayWithAuth(t, "test-secret")
	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)

	token, err := auth.NewJWTVerifier([]byte("other-secret")).Generate("test-agent", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIAuth_HealthStaysOpen(t *testing.T) {
	gw := newTestGatewayWithAuth(t, "test-secret")
	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseUserInputRequest_Valid(t *testing.T) {
	req, err := parseUserInputRequest(strings.NewReader(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", req.Text)
	assert.Empty(t, req.Attachments)
}

func TestParseUserInputRequest_InvalidJSON(t *testing.T) {
	_, err := parseUserInputRequest(strings.NewReader("not json"))
	require.Error(t, err)
	assert.Equal(t, "invalid JSON body", err.Error())
}

func TestParseUserInputRequest_MissingText(t *testing.T) {
	_, err := parseUserInputRequest(strings.NewReader(`{"attachments":[]}`))
	require.Error(t, err)
	assert.Equal(t, "text is required", err.Error())
}

// applyEvents drives events through the conversation service, failing the
// test on any apply error.
func applyEvents(t *testing.T, gw *Gateway, sessionID string, events ...*stream.Event) {
	t.Helper()
	for _, ev := range events {
		if _, err := gw.conversation.ApplyEvent(t.Context(), sessionID, ev); err != nil {
			t.Fatalf("failed to apply event %q: %v", ev.Type, err)
		}
	}
}

// saveUsage records one usage row directly in the store.
func saveUsage(t *testing.T, gw *Gateway, ctx context.Context, sessionID string, turns int, durationMs, input, output int64, cost float64) {
	t.Helper()
	err := gw.store.SaveUsage(ctx, &store.Usage{
		SessionID:    sessionID,
		NumTurns:     turns,
		DurationMs:   durationMs,
		InputTokens:  input,
		OutputTokens: output,
		TotalCostUSD: cost,
	})
	require.NoError(t, err)
}

// readSSEFrame reads one event/data frame from an SSE stream, skipping
// comment heartbeats. Blocks until a complete frame arrives.
func readSSEFrame(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}
