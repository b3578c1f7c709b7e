// Package webview serves a read-only HTML view of conversation transcripts.
//
// GET /view lists persisted sessions with entry counts and live-stream
// badges; GET /view/{id} renders one session's transcript with markdown
// bodies and nested tool cards. Templates are embedded in the binary. When
// web.password_hash is configured, both pages require HTTP basic auth with
// username "admin".
package webview
