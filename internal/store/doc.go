// Package store provides the durable record store for the gateway using SQLite.
//
// # Architecture
//
// All coordination between stateless request handlers goes through this
// package. [SQLiteStore] exposes two entry points:
//
//   - Update: a read-write transaction; everything in the callback commits or
//     rolls back together (credit debit plus queue insert, entry finalization
//     plus session clear, and so on)
//   - View: a read-only transaction for projections
//
// The callback receives a [Tx] whose methods are the table accessors. Never
// call Update or View from inside a callback: the store holds a single
// connection and a nested call would wait on itself.
//
// # Invariants enforced by the schema
//
//   - idx_queue_open_user: one waiting or active entry per (device, user)
//   - idx_queue_waiting_position: unique positions among waiting entries
//   - idx_queue_active_device: one active entry per device
//   - session_states primary key: one running session per device
//   - users.credits CHECK: balances never go negative
//
// Waiting positions are compacted by [Tx.CompactAfter], which flips the
// affected rows through negative positions so the unique index never sees a
// transient duplicate.
//
// # Timestamps
//
// Times are stored as fixed-width UTC text so that SQL comparisons on them
// (head timeouts, command expiry) order correctly.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicate: A UNIQUE constraint rejected the write
//   - ErrConflict: A conditional update found the row in another state
//   - ErrInsufficientCredits: A debit would make the balance negative
//
// # Testing
//
// Use NewSQLiteStore with a path under t.TempDir() for tests.
package store
