// ABOUTME: Tests for the conversation Service
// ABOUTME: Verifies snapshot restore, event persistence, anomaly records, and fan-out

package conversation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/store"
	"github.com/2389/loom-gateway/internal/stream"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestService(t *testing.T, st *store.SQLiteStore) (*Service, *Broadcaster) {
	bcast := NewBroadcaster(nil)
	t.Cleanup(bcast.Close)
	svc := New(st, bcast, nil, time.Minute, nil)
	t.Cleanup(svc.Close)
	return svc, bcast
}

func TestService_Open_RequiresSessionID(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	_, err := svc.Open(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session id")
}

func TestService_Open_RestoresSnapshot(t *testing.T) {
	testStore := createTestStore(t)
	ctx := context.Background()

	// Seed the store with a snapshot written by a previous run
	saved := []*Entry{
		{ID: "e1", Kind: KindUserInput, Text: "restore me", CreatedAt: time.Now().UTC()},
		{ID: "e2", Kind: KindAssistant, Text: "restored reply", CreatedAt: time.Now().UTC()},
	}
	data, err := json.Marshal(saved)
	require.NoError(t, err)
	require.NoError(t, testStore.SaveSnapshot(ctx, "session-restore", data, len(saved)))

	svc, _ := createTestService(t, testStore)

	entries, err := svc.Entries(ctx, "session-restore")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "restore me", entries[0].Text)
	assert.Equal(t, KindAssistant, entries[1].Kind)
}

func TestService_Open_MissingSnapshotStartsEmpty(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	entries, err := svc.Entries(context.Background(), "brand-new-session")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestService_Open_CorruptSnapshotStartsEmpty(t *testing.T) {
	testStore := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, testStore.SaveSnapshot(ctx, "session-corrupt", []byte("{definitely not json"), 3))

	svc, _ := createTestService(t, testStore)

	entries, err := svc.Entries(ctx, "session-corrupt")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestService_Open_ReturnsSameSessionTwice(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	sess1, err := svc.Open(ctx, "session-1")
	require.NoError(t, err)
	sess2, err := svc.Open(ctx, "session-1")
	require.NoError(t, err)
	assert.Same(t, sess1, sess2)
}

func TestService_ApplyEvent_PersistsSnapshot(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	_, err := svc.ApplyEvent(ctx, "session-1", &stream.Event{Type: stream.EventStreamStart})
	require.NoError(t, err)
	_, err = svc.ApplyEvent(ctx, "session-1", &stream.Event{
		Type:        stream.EventChunk,
		MessageType: "assistant",
		Content:     "persist this",
	})
	require.NoError(t, err)

	// Give persistence goroutine time to complete
	time.Sleep(100 * time.Millisecond)

	data, err := testStore.LoadSnapshot(ctx, "session-1")
	require.NoError(t, err)

	var entries []*Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, KindAssistant, entries[0].Kind)
	assert.Equal(t, "persist this", entries[0].Text)
}

func TestService_ApplyEvent_SnapshotSurvivesReopen(t *testing.T) {
	testStore := createTestStore(t)
	ctx := context.Background()

	svc1, _ := createTestService(t, testStore)
	_, err := svc1.ApplyEvent(ctx, "session-1", &stream.Event{Type: stream.EventStreamStart})
	require.NoError(t, err)
	_, err = svc1.ApplyEvent(ctx, "session-1", &stream.Event{
		Type:        stream.EventChunk,
		MessageType: "assistant",
		Content:     "before restart",
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	svc1.Close()

	// A fresh service over the same store sees the history
	svc2, _ := createTestService(t, testStore)
	entries, err := svc2.Entries(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "before restart", entries[0].Text)
}

func TestService_ApplyEvent_RecordsCorrelationMiss(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	res, err := svc.ApplyEvent(ctx, "session-1", &stream.Event{
		Type:      stream.EventToolResult,
		ToolUseID: "tool-never-announced",
		Content:   "orphaned output",
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	// Give anomaly goroutine time to complete
	time.Sleep(100 * time.Millisecond)

	anomalies, err := testStore.ListAnomalies(ctx, "session-1", 10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, store.AnomalyCorrelationMiss, anomalies[0].Kind)
	assert.Contains(t, anomalies[0].Detail, "tool-never-announced")
}

func TestService_ApplyEvent_RecordsMalformedChunk(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	// Tool chunk with no tool_id metadata is dropped and recorded
	_, err := svc.ApplyEvent(ctx, "session-1", &stream.Event{
		Type:        stream.EventChunk,
		MessageType: "tool",
		Metadata:    stream.Metadata{"tool_name": "Read"},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	anomalies, err := testStore.ListAnomalies(ctx, "session-1", 10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, store.AnomalyMalformedChunk, anomalies[0].Kind)
}

func TestService_ApplyEvent_RecordsUsage(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	_, err := svc.ApplyEvent(ctx, "session-1", &stream.Event{Type: stream.EventStreamStart})
	require.NoError(t, err)
	_, err = svc.ApplyEvent(ctx, "session-1", &stream.Event{
		Type:        stream.EventChunk,
		MessageType: "result",
		Content:     "done",
		Metadata: stream.Metadata{
			"num_turns":      float64(4),
			"duration_ms":    float64(8200),
			"input_tokens":   float64(1500),
			"output_tokens":  float64(600),
			"total_cost_usd": 0.042,
		},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	totals, err := testStore.UsageTotals(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Records)
	assert.Equal(t, int64(4), totals.Turns)
	assert.Equal(t, int64(8200), totals.DurationMs)
	assert.Equal(t, int64(1500), totals.InputTokens)
	assert.Equal(t, int64(600), totals.OutputTokens)
	assert.InDelta(t, 0.042, totals.TotalCostUSD, 0.0001)
}

func TestService_ApplyEvent_PublishesCollapseThenEntry(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	ch, _ := svc.Subscribe(ctx, "session-1")

	_, err := svc.ApplyEvent(ctx, "session-1", &stream.Event{Type: stream.EventStreamStart})
	require.NoError(t, err)

	// stream_start collapses prior tools, then announces the new entry
	first := receiveNotification(t, ch)
	assert.Equal(t, NotificationCollapse, first.Type)

	second := receiveNotification(t, ch)
	assert.Equal(t, NotificationEntry, second.Type)
	require.NotNil(t, second.Entry)
	assert.Equal(t, KindAssistant, second.Entry.Kind)
}

func TestService_ApplyEvent_DroppedEventPublishesNothing(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	ch, _ := svc.Subscribe(ctx, "session-1")

	_, err := svc.ApplyEvent(ctx, "session-1", &stream.Event{
		Type:      stream.EventToolResult,
		ToolUseID: "nobody",
	})
	require.NoError(t, err)

	select {
	case n := <-ch:
		t.Fatalf("expected no notification for dropped event, got %s", n.Type)
	case <-time.After(100 * time.Millisecond):
		// Expected: nothing published
	}
}

func TestService_AddUserInput_PersistsAndNotifies(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	ch, _ := svc.Subscribe(ctx, "session-1")

	entry, err := svc.AddUserInput(ctx, "session-1", "hello there", nil)
	require.NoError(t, err)
	assert.Equal(t, KindUserInput, entry.Kind)
	assert.Equal(t, "hello there", entry.Text)

	n := receiveNotification(t, ch)
	assert.Equal(t, NotificationEntry, n.Type)
	require.NotNil(t, n.Entry)
	assert.Equal(t, entry.ID, n.Entry.ID)

	time.Sleep(100 * time.Millisecond)

	data, err := testStore.LoadSnapshot(ctx, "session-1")
	require.NoError(t, err)
	var entries []*Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "hello there", entries[0].Text)
}

func TestService_ClearHistory(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	_, err := svc.AddUserInput(ctx, "session-1", "soon to be gone", nil)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ch, _ := svc.Subscribe(ctx, "session-1")

	require.NoError(t, svc.ClearHistory(ctx, "session-1"))

	entries, err := svc.Entries(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The cleared state is durable, not just in memory
	data, err := testStore.LoadSnapshot(ctx, "session-1")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))

	n := receiveNotification(t, ch)
	assert.Equal(t, NotificationCleared, n.Type)
}

func TestService_Awaiting(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	awaiting, err := svc.Awaiting(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, awaiting)

	_, err = svc.ApplyEvent(ctx, "session-1", &stream.Event{Type: stream.EventStreamStart})
	require.NoError(t, err)

	awaiting, err = svc.Awaiting(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, awaiting)

	_, err = svc.ApplyEvent(ctx, "session-1", &stream.Event{
		Type:        stream.EventChunk,
		MessageType: "assistant",
		Content:     "here now",
	})
	require.NoError(t, err)

	awaiting, err = svc.Awaiting(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, awaiting)
}

func TestService_Sessions_IncludesLiveSessions(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()

	// Opened but never written: not in the store yet, still listed
	_, err := svc.Open(ctx, "session-live")
	require.NoError(t, err)

	infos, err := svc.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "session-live", infos[0].SessionID)
	assert.Equal(t, 0, infos[0].EntryCount)
}

func TestService_Sessions_MergesStoreAndLive(t *testing.T) {
	testStore := createTestStore(t)
	ctx := context.Background()

	// One session exists only in the store
	require.NoError(t, testStore.SaveSnapshot(ctx, "session-persisted", []byte("[]"), 0))

	svc, _ := createTestService(t, testStore)
	_, err := svc.Open(ctx, "session-live")
	require.NoError(t, err)

	infos, err := svc.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	ids := map[string]bool{}
	for _, info := range infos {
		ids[info.SessionID] = true
	}
	assert.True(t, ids["session-persisted"])
	assert.True(t, ids["session-live"])
}

func TestService_Close_AllowsReopen(t *testing.T) {
	testStore := createTestStore(t)
	svc, _ := createTestService(t, testStore)

	ctx := context.Background()
	_, err := svc.AddUserInput(ctx, "session-1", "first life", nil)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	svc.Close()

	// Reopening after Close restores from the snapshot
	entries, err := svc.Entries(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "first life", entries[0].Text)
}

func receiveNotification(t *testing.T, ch <-chan *Notification) *Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}
