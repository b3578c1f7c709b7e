// Package ingest accepts agent event streams over WebSocket and feeds them
// to the conversation service.
//
// Each agent connects to GET /ws/ingest?session=ID and sends one JSON event
// envelope per text frame. The Manager keeps at most one live connection per
// session, suppresses redelivered events through the dedupe cache, and
// records dropped duplicates as anomalies. Events can also be injected
// without a socket through ProcessEvent, which backs
// POST /api/sessions/{id}/events.
package ingest
