// ABOUTME: SQLite implementation for stream usage accounting
// ABOUTME: Stores per-turn token and cost figures reported at stream end

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUsage stores a usage record reported by a completed stream.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *Usage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, session_id, num_turns, duration_ms,
			input_tokens, output_tokens, total_cost_usd, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		usage.ID,
		usage.SessionID,
		usage.NumTurns,
		usage.DurationMs,
		usage.InputTokens,
		usage.OutputTokens,
		usage.TotalCostUSD,
		usage.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}

	s.logger.Debug("saved usage record", "session_id", usage.SessionID, "input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
	return nil
}

// UsageTotals aggregates usage records. An empty sessionID aggregates
// across all sessions.
func (s *SQLiteStore) UsageTotals(ctx context.Context, sessionID string) (*UsageTotals, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(num_turns), 0),
			COALESCE(SUM(duration_ms), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_cost_usd), 0)
		FROM usage_records
	`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}

	var totals UsageTotals
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&totals.Records,
		&totals.Turns,
		&totals.DurationMs,
		&totals.InputTokens,
		&totals.OutputTokens,
		&totals.TotalCostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage totals: %w", err)
	}
	return &totals, nil
}
