// Package store provides persistent storage for the relay using SQLite.
//
// # Interfaces
//
//   - SessionStore: small key/value fields per conversation key
//   - RunLog: finished agent runs, newest first
//
// SQLiteStore and MockStore implement both through the Store interface.
//
// # Session fields
//
//   - aborted_last_run: set to "true" when a run is stopped; consumed by
//     the next run for the conversation
//   - typing_mode, queue_mode, reply_mode: per-conversation overrides of
//     the configured dispatch modes
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Development: ~/.local/share/coven/relay.db
//   - Testing: a file under t.TempDir()
//
// # Error Handling
//
// Get returns ErrNotFound for a field that was never set. All methods
// accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests. Its SetErr field forces Set failures.
package store
