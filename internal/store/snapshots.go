// ABOUTME: SQLite implementation for conversation snapshot persistence
// ABOUTME: Upserts the full entry history JSON under a session-scoped key

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveSnapshot upserts the serialized entry history for a session.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, sessionID string, entries []byte, entryCount int) error {
	query := `
		INSERT INTO snapshots (session_id, entries, entry_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			entries = excluded.entries,
			entry_count = excluded.entry_count,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sessionID,
		string(entries),
		entryCount,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting snapshot: %w", err)
	}

	s.logger.Debug("saved snapshot", "session_id", sessionID, "entry_count", entryCount)
	return nil
}

// LoadSnapshot returns the serialized entry history for a session.
// Returns ErrNotFound when no snapshot exists.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	var entries string
	err := s.db.QueryRowContext(ctx,
		`SELECT entries FROM snapshots WHERE session_id = ?`, sessionID,
	).Scan(&entries)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return []byte(entries), nil
}

// DeleteSnapshot removes a session's snapshot. Deleting a snapshot that
// doesn't exist is not an error.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id = ?`, sessionID,
	); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}

	s.logger.Debug("deleted snapshot", "session_id", sessionID)
	return nil
}

// ListSessions returns snapshot summaries, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, entry_count, updated_at
		FROM snapshots
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionInfo
	for rows.Next() {
		var info SessionInfo
		var updatedAt string
		if err := rows.Scan(&info.SessionID, &info.EntryCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		info.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		sessions = append(sessions, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}
