// Package engine implements the sync orchestrator.
//
// An Orchestrator drives one sync cycle at a time against a local store and
// a remote client. A cycle runs four steps strictly in order:
//
//  1. Drain outbox: dequeue live operations (priority desc, enqueuedAt asc)
//     and push their snapshots.
//  2. Push pending: push PENDING records not attempted in step 1.
//  3. Pull and reconcile: pull SYNCED records that carry a serverId and flag
//     any whose server version moved away from the last confirmed one.
//  4. Terminal audit entry: one sync_cycle entry, SYNCED or FAILED.
//
// SINGLE-FLIGHT:
// RunCycle is guarded by a weight-1 semaphore. A trigger that finds the
// guard held returns ErrAlreadyRunning without touching any state.
//
// CANCELLATION:
// The caller's context is only consulted between steps. Each step runs on
// a context detached from cancellation, and every remote call is bounded by
// the per-call timeout, so a step is never abandoned half applied.
//
// ERROR PROPAGATION:
// Per-record failures are isolated: they are classified by package retry,
// recorded in the audit log and the cycle moves on. Storage failures and a
// network reported as unreachable abort the remaining steps.
//
// Backoff gating: an entity whose newest audit entry is RETRY is skipped
// until its backoff has elapsed. Skips write no audit entry, so successive
// RETRY entries carry retryCount 1, 2, 3 with intervals b, 2b, 4b.
package engine
