package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the full trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// messages of those that failed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// matches reports whether event satisfies the non-empty filters of a.
func matches(event TraceEvent, a Assertion) bool {
	if a.Ref != "" && event.Entity != a.Ref {
		return false
	}
	if a.Operation != "" && event.Operation != a.Operation {
		return false
	}
	if a.Status != "" && string(event.Status) != a.Status {
		return false
	}
	return true
}

func describe(a Assertion) string {
	var parts []string
	for _, p := range []struct{ key, value string }{
		{"operation", a.Operation}, {"ref", a.Ref}, {"status", a.Status},
	} {
		if p.value != "" {
			parts = append(parts, p.key+"="+p.value)
		}
	}
	if len(parts) == 0 {
		return "any entry"
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "no matching entry",
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, event := range trace {
		if matches(event, a) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d x %s", a.Count, describe(a)),
		Actual:   fmt.Sprintf("%d", n),
		Trace:    trace,
	}
}

func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	var got []string
	for _, event := range trace {
		if event.Entity == a.Ref {
			got = append(got, string(event.Status))
		}
	}
	if slices.Equal(got, a.Statuses) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("%s: %v", a.Ref, a.Statuses),
		Actual:   fmt.Sprintf("%v", got),
		Trace:    trace,
	}
}

func assertFinalState(result *Result, a Assertion) error {
	state, ok := result.Record(a.Ref)
	if !ok {
		return &AssertionError{Type: AssertFinalState, Expected: a.Ref, Actual: "unknown ref", Trace: result.Trace}
	}
	fields := state.fields()

	var mismatches []string
	for key, want := range a.Expect {
		if got := fields[key]; fmt.Sprint(got) != fmt.Sprint(want) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %v, got %v", key, want, got))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	slices.Sort(mismatches)
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%s %v", a.Ref, a.Expect),
		Actual:   strings.Join(mismatches, "; "),
		Trace:    result.Trace,
	}
}
