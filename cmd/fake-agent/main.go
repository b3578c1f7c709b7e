// ABOUTME: Minimal fake agent for E2E testing that streams a scripted conversation over WebSocket.
// ABOUTME: Usage: fake-agent [-gateway localhost:8080] [-session demo-1] [-script events.jsonl]

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/loom-gateway/internal/stream"
)

func main() {
	gatewayAddr := flag.String("gateway", "localhost:8080", "gateway HTTP address")
	sessionID := flag.String("session", "demo-1", "session ID to stream into")
	token := flag.String("token", "", "bearer token (required when gateway auth is enabled)")
	script := flag.String("script", "", "path to a JSONL event script (default: built-in demo)")
	delay := flag.Duration("delay", 150*time.Millisecond, "pause between events")
	hold := flag.Bool("hold", false, "keep the connection open after the script finishes")
	flag.Parse()

	if err := run(*gatewayAddr, *sessionID, *token, *script, *delay, *hold); err != nil {
		log.Fatal(err)
	}
}

func run(gatewayAddr, sessionID, token, script string, delay time.Duration, hold bool) error {
	frames, err := loadScript(script)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	u := url.URL{
		Scheme:   "ws",
		Host:     gatewayAddr,
		Path:     "/ws/ingest",
		RawQuery: "session=" + url.QueryEscape(sessionID),
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	fmt.Fprintf(os.Stderr, "connected to %s as session %s\n", gatewayAddr, sessionID)

	// Watch for server-initiated closes (duplicate session, shutdown) in the
	// background; the gateway never sends data frames to agents.
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	for i, frame := range frames {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			return fmt.Errorf("connection closed by gateway: %w", err)
		default:
		}

		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("sending event %d: %w", i+1, err)
		}
		log.Printf("sent event %d/%d", i+1, len(frames))
		time.Sleep(delay)
	}

	fmt.Fprintf(os.Stderr, "script complete (%d events)\n", len(frames))

	if !hold {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "script complete")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return nil
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-closed:
		return fmt.Errorf("connection closed by gateway: %w", err)
	}
}

// loadScript reads one JSON event envelope per line, skipping blanks and
// comments. Invalid lines fail fast so a broken script is caught before any
// events are delivered. An empty path returns the built-in demo.
func loadScript(path string) ([][]byte, error) {
	if path == "" {
		return demoScript()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening script: %w", err)
	}
	defer f.Close()

	var frames [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := stream.Decode([]byte(line)); err != nil {
			return nil, fmt.Errorf("script line %d: %w", lineNo, err)
		}
		frames = append(frames, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("script %s contains no events", path)
	}
	return frames, nil
}

// demoScript produces one full response turn: streamed markdown, a nested
// tool call pair with results, and closing usage accounting. Event ids are
// fresh each run so repeated replays are not suppressed as duplicates.
func demoScript() ([][]byte, error) {
	events := []stream.Event{
		{Type: stream.EventStreamStart},
		{Type: stream.EventChunk, MessageType: "assistant", Content: "Let me look at the **failing test** first.\n\n"},
		{Type: stream.EventChunk, MessageType: "assistant", Content: "Running the suite to reproduce it:"},
		{Type: stream.EventChunk, MessageType: "tool", Metadata: stream.Metadata{
			"tool_id":    "demo-task",
			"tool_name":  "Task",
			"tool_input": map[string]any{"prompt": "find the failing test"},
		}},
		{Type: stream.EventChunk, MessageType: "tool", Metadata: stream.Metadata{
			"tool_id":            "demo-grep",
			"tool_name":          "Grep",
			"tool_input":         map[string]any{"pattern": "TestRetry", "path": "internal/"},
			"parent_tool_use_id": "demo-task",
		}},
		{Type: stream.EventToolResult, ToolUseID: "demo-grep", Content: "internal/retry/retry_test.go:42"},
		{Type: stream.EventToolResult, ToolUseID: "demo-task", Content: "TestRetry flakes on a 10ms sleep; needs a deadline bump."},
		{Type: stream.EventChunk, MessageType: "assistant", Content: "\n\nFound it: `TestRetry` races a fixed sleep. I would bump the deadline."},
		{Type: stream.EventChunk, MessageType: "result", Metadata: stream.Metadata{
			"subtype":        "success",
			"num_turns":      1,
			"duration_ms":    4200,
			"input_tokens":   812,
			"output_tokens":  96,
			"total_cost_usd": 0.0041,
		}},
		{Type: stream.EventStreamEnd},
	}

	frames := make([][]byte, 0, len(events))
	for _, ev := range events {
		ev.EventID = uuid.New().String()
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encoding demo event: %w", err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}
