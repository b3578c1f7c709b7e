// Package gateway orchestrates the loom-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the loom-gateway server.
// It owns and manages all major components: the WebSocket ingest surface, the
// conversation service, the data store, the HTTP API, and the read-only web
// view.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config       *config.Config
//	    store        store.Store
//	    broadcaster  *conversation.Broadcaster
//	    conversation *conversation.Service
//	    ingest       *ingest.Manager
//	    webView      *webview.View
//	    httpServer   *http.Server
//	    dedupe       *dedupe.Cache
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /api/sessions - List known sessions
//   - POST /api/sessions/{id}/events - Inject a single stream event
//   - POST /api/sessions/{id}/input - Append a user message
//   - GET /api/sessions/{id}/entries - Read the display history
//   - GET /api/sessions/{id}/messages - Read the model-ready conversation
//   - DELETE /api/sessions/{id}/history - Clear a session
//   - GET /api/stats/usage - Aggregate usage totals
//   - GET /api/stream - Live notifications (SSE)
//   - GET /ws/ingest - Agent event stream (WebSocket)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// When auth.jwt_secret is configured, the /api and /ws routes require a
// bearer JWT; the health endpoints stay open.
//
// # SSE Streaming
//
// History notifications are streamed as Server-Sent Events:
//
//	event: connected
//	data: {"session_id": "..."}
//
//	event: entry
//	data: {"type": "entry", "session_id": "...", "entry": {...}}
//
// Event types: entry, progress, collapse, cleared.
//
// # Agent Ingest
//
// Agents connect over WebSocket and deliver one JSON event envelope per text
// frame. The ingest manager enforces one live connection per session and
// runs every event through deduplication before it reaches the conversation
// service. The same pipeline backs the POST injection endpoint for agents
// that cannot hold a socket open.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run listens on a plain TCP address, or joins a tailnet via tsnet when
// tailscale.enabled is set (optionally with HTTPS or Funnel).
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, listeners, Run/Shutdown
//   - api.go: HTTP handlers and SSE streaming
package gateway
