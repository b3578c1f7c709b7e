// ABOUTME: Store interface and data types for loom-gateway persistence
// ABOUTME: Defines snapshot, anomaly, and usage records plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// SessionInfo summarizes one persisted session snapshot.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	EntryCount int       `json:"entry_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Anomaly records a non-fatal stream irregularity (correlation miss,
// malformed chunk, unknown kind, duplicate event) for later diagnosis.
type Anomaly struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"` // JSON object
	CreatedAt time.Time `json:"created_at"`
}

// Anomaly kinds accepted by the store.
const (
	AnomalyCorrelationMiss = "correlation_miss"
	AnomalyMalformedChunk  = "malformed_chunk"
	AnomalyUnknownKind     = "unknown_kind"
	AnomalyDuplicateEvent  = "duplicate_event"
)

// Usage records model-call accounting reported on a result chunk.
type Usage struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	NumTurns     int       `json:"num_turns"`
	DurationMs   int64     `json:"duration_ms"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageTotals aggregates usage rows across one session or all sessions.
type UsageTotals struct {
	Records      int     `json:"records"`
	Turns        int     `json:"turns"`
	DurationMs   int64   `json:"duration_ms"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Store defines the persistence operations the gateway needs. Snapshot
// payloads are opaque JSON so the store stays decoupled from the entry
// model that produces them.
type Store interface {
	// SaveSnapshot upserts the full entry history for a session.
	SaveSnapshot(ctx context.Context, sessionID string, entries []byte, entryCount int) error
	// LoadSnapshot returns the persisted entry history.
	// Returns ErrNotFound when no snapshot exists.
	LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error)
	// DeleteSnapshot removes a session's snapshot.
	DeleteSnapshot(ctx context.Context, sessionID string) error
	// ListSessions returns snapshot summaries, most recently updated first.
	ListSessions(ctx context.Context) ([]*SessionInfo, error)

	// SaveAnomaly records one stream irregularity.
	SaveAnomaly(ctx context.Context, a *Anomaly) error
	// ListAnomalies returns a session's anomalies, newest first.
	// A limit <= 0 means no limit.
	ListAnomalies(ctx context.Context, sessionID string, limit int) ([]*Anomaly, error)

	// SaveUsage records one usage row.
	SaveUsage(ctx context.Context, u *Usage) error
	// UsageTotals aggregates usage for one session, or all sessions when
	// sessionID is empty.
	UsageTotals(ctx context.Context, sessionID string) (*UsageTotals, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	// Close releases the store's resources.
	Close() error
}
