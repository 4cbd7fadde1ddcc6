// Package store provides SQLite-backed durable storage for tally.
//
// One Store holds three logical components that share a database so the
// cross-entity write-ahead unit can commit atomically:
//   - LocalStore: records with sync metadata; the source of truth for reads
//   - Outbox: offline_operations, the write-ahead queue of local mutations
//   - AuditLog: sync_log, the append-only history of every sync attempt
//
// plus the conflicts sidecar that preserves the server copy of a record
// flagged CONFLICT until someone chooses a side.
//
// # Guarantees
//
// Atomic upsert: every record write is a single INSERT ... ON CONFLICT
// statement, so readers observe either the old or the new row.
//
// Write-ahead: Mutate upserts the record as PENDING, retires older
// unprocessed operations for it and enqueues the new operation in one
// transaction. Every PENDING record therefore has a durable intent.
//
// Monotonic processed flag: MarkProcessed only flips rows WHERE processed = 0,
// and a trigger rejects any update that would clear it.
//
// Append-only audit: a trigger rejects UPDATE on sync_log; Cleanup is the
// only DELETE path.
//
// # Database Configuration
//
//   - WAL mode: presentation reads proceed while a cycle writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: the conflicts sidecar cascades with its record
//   - _txlock=immediate: write transactions take the lock up front
//
// Every failure returned by this package is a syncerr.KindStorage error,
// except ErrNotFound for point lookups.
package store
