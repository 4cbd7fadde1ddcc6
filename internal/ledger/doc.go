// Package ledger provides the domain types shared by every tally component.
//
// This package contains types and pure helpers only. All other internal
// packages import ledger; ledger imports nothing internal. This keeps the
// record model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Money amounts are decimal strings, never floats
//   - SyncStatus is a closed enum; every status change goes through Transition
//   - OfflineID is assigned once at creation and never rewritten
//   - All JSON tags use snake_case
package ledger
