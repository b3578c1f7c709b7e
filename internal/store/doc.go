// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// A single Store interface covers the three record families the gateway
// persists:
//
//   - Snapshots: the full serialized entry history of a session, upserted
//     after every accepted stream event
//   - Anomalies: an append-only log of dropped or malformed events
//     (correlation misses, malformed chunks, duplicates)
//   - Usage: per-turn token and cost figures reported at stream end
//
// SQLiteStore implements the interface on modernc.org/sqlite. Snapshot
// payloads are opaque JSON bytes, so the store never imports the entry
// model that produces them.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: /var/lib/loom-gateway/gateway.db
//   - Development: ~/.local/share/loom/gateway.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
// LoadSnapshot returns ErrNotFound when a session has never been
// persisted; callers treat that as an empty history. All methods accept
// context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
//
// # Migrations
//
// The schema is created on startup; additive column migrations run
// automatically via pragma_table_info checks.
package store
