// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mockSnapshot holds one persisted session history.
type mockSnapshot struct {
	entries    []byte
	entryCount int
	updatedAt  time.Time
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	snapshots map[string]*mockSnapshot // keyed by session ID
	anomalies map[string][]*Anomaly    // keyed by session ID
	usage     []*Usage
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		snapshots: make(map[string]*mockSnapshot),
		anomalies: make(map[string][]*Anomaly),
	}
}

// SaveSnapshot upserts the serialized entry history for a session.
func (m *MockStore) SaveSnapshot(ctx context.Context, sessionID string, entries []byte, entryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	entriesCopy := make([]byte, len(entries))
	copy(entriesCopy, entries)

	m.snapshots[sessionID] = &mockSnapshot{
		entries:    entriesCopy,
		entryCount: entryCount,
		updatedAt:  time.Now().UTC(),
	}
	return nil
}

// LoadSnapshot returns the serialized entry history for a session.
func (m *MockStore) LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := make([]byte, len(snap.entries))
	copy(result, snap.entries)
	return result, nil
}

// DeleteSnapshot removes a session's snapshot.
func (m *MockStore) DeleteSnapshot(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, sessionID)
	return nil
}

// ListSessions returns snapshot summaries, most recently updated first.
func (m *MockStore) ListSessions(ctx context.Context) ([]*SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*SessionInfo, 0, len(m.snapshots))
	for id, snap := range m.snapshots {
		sessions = append(sessions, &SessionInfo{
			SessionID:  id,
			EntryCount: snap.entryCount,
			UpdatedAt:  snap.updatedAt,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// SaveAnomaly records a dropped or malformed stream event.
func (m *MockStore) SaveAnomaly(ctx context.Context, anomaly *Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	a := *anomaly
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.anomalies[a.SessionID] = append(m.anomalies[a.SessionID], &a)
	return nil
}

// ListAnomalies returns anomalies for a session, newest first.
func (m *MockStore) ListAnomalies(ctx context.Context, sessionID string, limit int) ([]*Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.anomalies[sessionID]
	result := make([]*Anomaly, 0, len(stored))
	for _, a := range stored {
		anomalyCopy := *a
		result = append(result, &anomalyCopy)
	}

	// Sort by created_at descending (newest first)
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SaveUsage stores a usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	u := *usage
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.usage = append(m.usage, &u)
	return nil
}

// UsageTotals aggregates usage records, optionally filtered by session.
func (m *MockStore) UsageTotals(ctx context.Context, sessionID string) (*UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := &UsageTotals{}
	for _, u := range m.usage {
		if sessionID != "" && u.SessionID != sessionID {
			continue
		}
		totals.Records++
		totals.Turns += u.NumTurns
		totals.DurationMs += u.DurationMs
		totals.InputTokens += u.InputTokens
		totals.OutputTokens += u.OutputTokens
		totals.TotalCostUSD += u.TotalCostUSD
	}
	return totals, nil
}

// Ping is a no-op for MockStore.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Verify MockStore implements Store interface at compile time.
var _ Store = (*MockStore)(nil)
