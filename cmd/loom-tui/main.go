// ABOUTME: Terminal client for following loom-gateway conversation sessions over the HTTP API.
// ABOUTME: Provides readline-style input, a live SSE feed, and JWT auth from env or token file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// getToken returns the JWT token from LOOM_TOKEN env var or ~/.config/loom/token file
func getToken() string {
	// Check env var first
	if token := os.Getenv("LOOM_TOKEN"); token != "" {
		return token
	}

	// Try to read from token file
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "loom", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// inputRequest is the JSON body sent to POST /api/sessions/{id}/input.
type inputRequest struct {
	Text string `json:"text"`
}

// sessionInfo is one session in the GET /api/sessions response.
type sessionInfo struct {
	SessionID  string    `json:"session_id"`
	EntryCount int       `json:"entry_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type sessionsResponse struct {
	Sessions []sessionInfo `json:"sessions"`
}

// entryView is the client-side shape of a conversation entry.
type entryView struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Text    string         `json:"text,omitempty"`
	Subtype string         `json:"subtype,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	Tool    *toolView      `json:"tool,omitempty"`
}

// toolView carries the tool fields the terminal renders.
type toolView struct {
	ToolName       string      `json:"tool_name,omitempty"`
	ToolResult     string      `json:"tool_result,omitempty"`
	ResultIsError  bool        `json:"result_is_error,omitempty"`
	ResultReceived bool        `json:"result_received"`
	Children       []entryView `json:"children,omitempty"`
}

type entriesResponse struct {
	SessionID string      `json:"session_id"`
	Entries   []entryView `json:"entries"`
}

// notification is one frame from the GET /api/stream feed.
type notification struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id"`
	Entry     *entryView `json:"entry,omitempty"`
}

// usageTotals is the GET /api/stats/usage response.
type usageTotals struct {
	Records      int     `json:"records"`
	Turns        int     `json:"turns"`
	DurationMs   int64   `json:"duration_ms"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func main() {
	// Parse command line flags
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	session := flag.String("session", "", "Session ID to follow on startup")
	flag.Parse()

	fmt.Printf("loom-tui connected to %s\n", *server)
	if getToken() != "" {
		fmt.Println("Auth: JWT token configured (LOOM_TOKEN)")
	} else {
		fmt.Println("Auth: none (set LOOM_TOKEN for authentication)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	// Setup context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Run the interactive loop
	if err := run(ctx, *server, *session); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, sessionID string) error {
	scanner := bufio.NewScanner(os.Stdin)

	var feed *follower
	stopFeed := func() {
		if feed != nil {
			feed.stop()
			feed = nil
		}
	}
	defer stopFeed()

	watch := func(id string) {
		stopFeed()
		sessionID = id
		if id != "" {
			feed = follow(ctx, server, id)
		}
	}

	if sessionID != "" {
		watch(sessionID)
	}

	for {
		// Print prompt (include session ID if one is followed)
		if sessionID != "" {
			fmt.Printf("[%s]> ", sessionID)
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		// Trim whitespace
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		// Check for quit commands
		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		// Check for /sessions command
		if input == "/sessions" {
			if err := listSessions(ctx, server, sessionID); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		// Check for /watch command
		if strings.HasPrefix(input, "/watch") {
			args := strings.TrimSpace(strings.TrimPrefix(input, "/watch"))
			if args == "" {
				watch("")
				fmt.Println("Stopped following; /watch <session_id> to resume")
			} else {
				watch(args)
			}
			fmt.Println()
			continue
		}

		// Check for /history command
		if input == "/history" {
			if sessionID == "" {
				fmt.Println("No session selected. Use /watch <session_id> first.")
			} else if err := fetchHistory(ctx, server, sessionID); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		// Check for /usage command
		if input == "/usage" {
			if err := fetchUsage(ctx, server, sessionID); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		// Check for /clear command
		if input == "/clear" {
			if sessionID == "" {
				fmt.Println("No session selected. Use /watch <session_id> first.")
			} else if err := clearHistory(ctx, server, sessionID); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		// Check for /help command
		if input == "/help" {
			printHelp()
			fmt.Println()
			continue
		}

		// Anything else is user input for the followed session
		if sessionID == "" {
			fmt.Println("No session selected. Use /watch <session_id> first.")
			fmt.Println()
			continue
		}

		if err := postInput(ctx, server, sessionID, input); err != nil {
			fmt.Printf("[error] %v\n", err)
			fmt.Println()
		}
	}
}

// printHelp displays available commands.
func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /sessions      List known sessions")
	fmt.Println("  /watch <id>    Follow a session's live feed")
	fmt.Println("  /watch         Stop following")
	fmt.Println("  /history       Show the followed session's transcript")
	fmt.Println("  /usage         Show usage totals (scoped to the followed session)")
	fmt.Println("  /clear         Clear the followed session's history")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

// apiRequest performs an authenticated API call, turning error responses
// into errors with the server's message.
func apiRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

// apiError extracts the error message from a JSON error response.
func apiError(resp *http.Response) error {
	var msg string
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp map[string]string
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp["error"] != "" {
			msg = errResp["error"]
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("server returned status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		msg += " (set LOOM_TOKEN or write ~/.config/loom/token)"
	}
	return fmt.Errorf("%s", msg)
}

// listSessions fetches and displays known sessions.
func listSessions(ctx context.Context, server, current string) error {
	resp, err := apiRequest(ctx, http.MethodGet, server+"/api/sessions", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var list sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(list.Sessions) == 0 {
		fmt.Println("No sessions yet")
		return nil
	}

	fmt.Println("Sessions:")
	for _, s := range list.Sessions {
		marker := " "
		if s.SessionID == current {
			marker = "*"
		}
		fmt.Printf("%s %-28s %4d entries   updated %s\n",
			marker, s.SessionID, s.EntryCount, s.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// fetchHistory fetches and displays the session's stored transcript.
func fetchHistory(ctx context.Context, server, sessionID string) error {
	endpoint := fmt.Sprintf("%s/api/sessions/%s/entries", server, url.PathEscape(sessionID))
	resp, err := apiRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var history entriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(history.Entries) == 0 {
		fmt.Println("No conversation history")
		return nil
	}

	fmt.Printf("Transcript for %s (%d entries):\n", sessionID, len(history.Entries))
	fmt.Println(strings.Repeat("-", 60))
	for _, e := range history.Entries {
		printTranscriptEntry(e, "")
	}
	fmt.Println(strings.Repeat("-", 60))
	return nil
}

// printTranscriptEntry renders one stored entry, indenting nested tools.
func printTranscriptEntry(e entryView, indent string) {
	switch e.Kind {
	case "user_input":
		fmt.Printf("%s\033[34m→\033[0m %s\n", indent, truncate(stripMarkdown(e.Text), 200))
	case "assistant":
		fmt.Printf("%s\033[32m←\033[0m %s\n", indent, truncate(stripMarkdown(e.Text), 200))
	case "tool", "tool_group":
		if e.Tool == nil {
			return
		}
		status := "\033[2mrunning\033[0m"
		if e.Tool.ResultReceived {
			status = "\033[32mdone\033[0m"
			if e.Tool.ResultIsError {
				status = "\033[31merror\033[0m"
			}
		}
		fmt.Printf("%s\033[33m[tool]\033[0m %s (%s)\n", indent, e.Tool.ToolName, status)
		for _, child := range e.Tool.Children {
			printTranscriptEntry(child, indent+"  ")
		}
	case "tool_result":
		fmt.Printf("%s\033[2m[result]\033[0m %s\n", indent, truncate(e.Text, 60))
	case "result":
		fmt.Printf("%s\033[2m[done]%s\033[0m\n", indent, usageSuffix(e.Meta))
	case "error":
		fmt.Printf("%s\033[31m[error] %s\033[0m\n", indent, truncate(e.Text, 200))
	default:
		if e.Text != "" {
			fmt.Printf("%s[%s] %s\n", indent, e.Kind, truncate(e.Text, 60))
		}
	}
}

// usageSuffix formats the turn/cost summary carried on result entries.
func usageSuffix(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	var parts []string
	if v, ok := meta["num_turns"].(float64); ok {
		parts = append(parts, fmt.Sprintf("turns: %d", int(v)))
	}
	if v, ok := meta["total_cost_usd"].(float64); ok {
		parts = append(parts, fmt.Sprintf("cost: $%.4f", v))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, ", ")
}

// fetchUsage fetches and displays usage totals.
func fetchUsage(ctx context.Context, server, sessionID string) error {
	endpoint := server + "/api/stats/usage"
	if sessionID != "" {
		endpoint += "?session=" + url.QueryEscape(sessionID)
	}
	resp, err := apiRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var totals usageTotals
	if err := json.NewDecoder(resp.Body).Decode(&totals); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	scope := "all sessions"
	if sessionID != "" {
		scope = sessionID
	}
	fmt.Printf("Usage for %s:\n", scope)
	fmt.Printf("  results:  %d (%d turns)\n", totals.Records, totals.Turns)
	fmt.Printf("  tokens:   %d in / %d out\n", totals.InputTokens, totals.OutputTokens)
	fmt.Printf("  duration: %s\n", time.Duration(totals.DurationMs)*time.Millisecond)
	fmt.Printf("  cost:     $%.4f\n", totals.TotalCostUSD)
	return nil
}

// clearHistory wipes the session's stored transcript.
func clearHistory(ctx context.Context, server, sessionID string) error {
	endpoint := fmt.Sprintf("%s/api/sessions/%s/history", server, url.PathEscape(sessionID))
	resp, err := apiRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// postInput appends a user message to the followed session. The entry echoes
// back on the live feed, which doubles as delivery confirmation.
func postInput(ctx context.Context, server, sessionID, text string) error {
	body, err := json.Marshal(inputRequest{Text: text})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/sessions/%s/input", server, url.PathEscape(sessionID))
	resp, err := apiRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// follower owns the background goroutine streaming one session's feed.
type follower struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// follow starts streaming the session's live feed in the background.
func follow(ctx context.Context, server, sessionID string) *follower {
	fctx, cancel := context.WithCancel(ctx)
	f := &follower{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(f.done)
		if err := streamFeed(fctx, server, sessionID); err != nil && fctx.Err() == nil {
			fmt.Printf("\033[31m[stream] %v\033[0m\n", err)
		}
	}()
	return f
}

// stop cancels the feed and waits for the goroutine to exit.
func (f *follower) stop() {
	f.cancel()
	<-f.done
}

// streamFeed connects to GET /api/stream and renders notifications until the
// context is cancelled or the server closes the stream.
func streamFeed(ctx context.Context, server, sessionID string) error {
	endpoint := fmt.Sprintf("%s/api/stream?session=%s", server, url.QueryEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if token := getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connecting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	r := newRenderer()
	scanner := bufio.NewScanner(resp.Body)
	// Entries ride whole in each frame; large tool results need room.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				r.render(eventType, strings.Join(dataLines, "\n"))
			}
			eventType = ""
			dataLines = nil
			continue
		}

		// Comment lines are heartbeats
		if strings.HasPrefix(line, ":") {
			continue
		}

		// Parse event type
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		// Parse data
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

// renderer prints feed notifications. The feed re-broadcasts a whole entry
// on every update, so it tracks per-entry state and prints only what is new.
type renderer struct {
	lastText map[string]string
	seen     map[string]bool
	resolved map[string]bool
	midLine  bool
}

func newRenderer() *renderer {
	return &renderer{
		lastText: make(map[string]string),
		seen:     make(map[string]bool),
		resolved: make(map[string]bool),
	}
}

// breakLine ends a partially printed assistant line before bracketed output.
func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Println()
		r.midLine = false
	}
}

func (r *renderer) render(eventType, data string) {
	var n notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		r.breakLine()
		fmt.Printf("\033[31m[stream] parsing event: %v\033[0m\n", err)
		return
	}

	switch eventType {
	case "connected":
		r.breakLine()
		fmt.Printf("\033[2m[following %s]\033[0m\n", n.SessionID)

	case "entry":
		if n.Entry != nil {
			r.renderEntry(n.Entry)
		}

	case "cleared":
		r.breakLine()
		fmt.Printf("\033[33m[history cleared]\033[0m\n")
		r.lastText = make(map[string]string)
		r.seen = make(map[string]bool)
		r.resolved = make(map[string]bool)

	case "progress", "collapse":
		// Progress ticks every second, and collapse precedes the regrouped
		// entry's own frame; both are noise in a line-oriented terminal.

	default:
		// Ignore unknown events silently
	}
}

// renderEntry prints what changed for one entry snapshot.
func (r *renderer) renderEntry(e *entryView) {
	switch e.Kind {
	case "user_input":
		if r.seen[e.ID] {
			return
		}
		r.seen[e.ID] = true
		r.breakLine()
		fmt.Printf("\033[34m→\033[0m %s\n", e.Text)

	case "assistant":
		text := e.Text
		if prev := r.lastText[e.ID]; strings.HasPrefix(text, prev) {
			text = text[len(prev):]
		}
		r.lastText[e.ID] = e.Text
		if text == "" {
			return
		}
		fmt.Print(stripMarkdown(text))
		r.midLine = !strings.HasSuffix(text, "\n")

	case "tool", "tool_group":
		if e.Tool == nil {
			return
		}
		if !r.seen[e.ID] {
			r.seen[e.ID] = true
			r.breakLine()
			nested := ""
			if len(e.Tool.Children) > 0 {
				nested = fmt.Sprintf(" \033[2m(+%d nested)\033[0m", len(e.Tool.Children))
			}
			fmt.Printf("\033[33m[tool]\033[0m %s%s\n", e.Tool.ToolName, nested)
		}
		if e.Tool.ResultReceived && !r.resolved[e.ID] {
			r.resolved[e.ID] = true
			r.breakLine()
			if e.Tool.ResultIsError {
				fmt.Printf("\033[31m[tool error] %s\033[0m\n", truncate(e.Tool.ToolResult, 100))
			} else {
				fmt.Printf("\033[32m[tool done]\033[0m %s\n", e.Tool.ToolName)
			}
		}

	case "tool_result":
		if r.seen[e.ID] {
			return
		}
		r.seen[e.ID] = true
		r.breakLine()
		fmt.Printf("\033[2m[result] %s\033[0m\n", truncate(e.Text, 60))

	case "result":
		if r.seen[e.ID] {
			return
		}
		r.seen[e.ID] = true
		r.breakLine()
		fmt.Printf("\033[2m[done]%s\033[0m\n", usageSuffix(e.Meta))

	case "error":
		if r.seen[e.ID] {
			return
		}
		r.seen[e.ID] = true
		r.breakLine()
		fmt.Printf("\033[31m[error] %s\033[0m\n", e.Text)

	default:
		// Ignore unknown kinds silently
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// stripMarkdown removes common markdown formatting from text.
func stripMarkdown(s string) string {
	// Remove bold/italic markers (order matters: ** before *)
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	// Don't remove single * as it's often used for lists
	return s
}
