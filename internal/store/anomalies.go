// ABOUTME: SQLite implementation for stream anomaly records
// ABOUTME: Append-only log of dropped or malformed events per session

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveAnomaly records a dropped or malformed stream event.
func (s *SQLiteStore) SaveAnomaly(ctx context.Context, anomaly *Anomaly) error {
	if anomaly.ID == "" {
		anomaly.ID = uuid.New().String()
	}
	if anomaly.CreatedAt.IsZero() {
		anomaly.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (id, session_id, kind, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		anomaly.ID,
		anomaly.SessionID,
		anomaly.Kind,
		anomaly.Detail,
		anomaly.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting anomaly: %w", err)
	}

	s.logger.Debug("saved anomaly", "session_id", anomaly.SessionID, "kind", anomaly.Kind)
	return nil
}

// ListAnomalies returns anomalies for a session, newest first. A limit of
// zero or less returns all records.
func (s *SQLiteStore) ListAnomalies(ctx context.Context, sessionID string, limit int) ([]*Anomaly, error) {
	query := `
		SELECT id, session_id, kind, detail_json, created_at
		FROM anomalies
		WHERE session_id = ?
		ORDER BY created_at DESC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []*Anomaly
	for rows.Next() {
		var a Anomaly
		var createdAt string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Kind, &a.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning anomaly row: %w", err)
		}
		a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		anomalies = append(anomalies, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating anomaly rows: %w", err)
	}
	return anomalies, nil
}
