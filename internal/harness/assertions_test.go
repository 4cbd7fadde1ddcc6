package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Cycle: "cycle-0001", Operation: "drain_outbox", Entity: "a", Status: ledger.LogRetry, RetryCount: 1},
		{Cycle: "cycle-0001", Operation: "cycle", Entity: "cycle-0001", Status: ledger.LogFailed},
		{Cycle: "cycle-0002", Operation: "drain_outbox", Entity: "a", Status: ledger.LogSynced},
		{Cycle: "cycle-0002", Operation: "cycle", Entity: "cycle-0002", Status: ledger.LogSynced},
	}
	r.Records = []RecordState{{Ref: "a", Status: "SYNCED", Version: 2, ServerID: "srv-0001"}}
	return r
}

func TestAssertTraceContains(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertTraceContains(r.Trace, Assertion{Ref: "a", Status: "SYNCED"}))
	assert.NoError(t, assertTraceContains(r.Trace, Assertion{Ref: "a", Operation: "drain_outbox", Status: "RETRY"}))

	err := assertTraceContains(r.Trace, Assertion{Ref: "a", Status: "CONFLICT"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "ref=a status=CONFLICT", ae.Expected)
	assert.Contains(t, err.Error(), "[1] +0s cycle-0001 drain_outbox a RETRY retry=1")
}

func TestAssertTraceCount(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertTraceCount(r.Trace, Assertion{Operation: "cycle", Count: 2}))
	assert.NoError(t, assertTraceCount(r.Trace, Assertion{Ref: "a", Status: "CONFLICT", Count: 0}))

	err := assertTraceCount(r.Trace, Assertion{Ref: "a", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: 2")
}

func TestAssertTraceOrder(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertTraceOrder(r.Trace, Assertion{Ref: "a", Statuses: []string{"RETRY", "SYNCED"}}))

	err := assertTraceOrder(r.Trace, Assertion{Ref: "a", Statuses: []string{"SYNCED", "RETRY"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[RETRY SYNCED]")
}

func TestAssertFinalState(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertFinalState(r, Assertion{Ref: "a", Expect: map[string]any{
		"status": "SYNCED", "version": 2, "server_id": "srv-0001", "gone": false,
	}}))

	err := assertFinalState(r, Assertion{Ref: "a", Expect: map[string]any{"version": 3, "status": "FAILED"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status: want FAILED, got SYNCED; version: want 3, got 2")

	err = assertFinalState(r, Assertion{Ref: "zzz", Expect: map[string]any{"status": "SYNCED"}})
	assert.ErrorContains(t, err, "unknown ref")
}

func TestEvaluateAssertions(t *testing.T) {
	failures := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertTraceContains, Ref: "a", Status: "SYNCED"},
		{Type: AssertTraceCount, Ref: "a", Count: 9},
		{Type: AssertFinalState, Ref: "a", Expect: map[string]any{"status": "SYNCED"}},
	})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], AssertTraceCount)
}
