// Package harness runs sync scenarios end to end.
//
// A scenario drives the real orchestrator against the in-process reference
// server, with scripted remote failures and a fake clock, and checks the
// resulting audit trail and record states.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: backoff_then_success
//	description: "A transient push failure backs off, then syncs"
//	policy: { base: 30s, max: 1h, max_retries: 5 }
//	steps:
//	  - create: { ref: coffee, amount: "4.50" }
//	  - fail_push: [transient]
//	  - sync: { outcome: RETRYABLE_FAILURE, retried: 1 }
//	  - advance: 30s
//	  - sync: { outcome: SUCCESS, drained: 1 }
//	assertions:
//	  - type: trace_order
//	    ref: coffee
//	    statuses: [RETRY, SYNCED]
//	  - type: final_state
//	    ref: coffee
//	    expect: { status: SYNCED, version: 1 }
//
// Records are named by ref; ids, server ids and cycle ids are drawn from
// fixed generators so traces are reproducible.
//
// # Steps
//
//   - create, edit, delete: local mutations through the store
//   - remote_edit, remote_forget: independent changes on the server
//   - fail_push, fail_pull: queue failures (transient, unreachable,
//     not_found, permanent, validation) for the next remote calls
//   - advance: move the fake clock
//   - sync: run one cycle and check its outcome and counters
//   - resolve, reset, reap: operator actions
//
// A step with `fails: true` must be rejected.
//
// # Assertion Types
//
//   - trace_contains: an audit entry with the given operation, ref and status exists
//   - trace_count: exactly count entries match
//   - trace_order: the statuses of a ref's audit entries, in order
//   - final_state: subset match on a record's final state
//
// # Golden Traces
//
// RunWithGolden renders steps, trace and records as text and compares them
// with testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
