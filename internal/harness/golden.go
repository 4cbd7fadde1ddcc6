package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Render formats a result as the plain-text golden snapshot: the step
// summaries, the audit trace and the final record states.
func Render(name string, result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	b.WriteString("steps:\n")
	for _, s := range result.Steps {
		fmt.Fprintf(&b, "  %s\n", s)
	}
	b.WriteString("trace:\n")
	for _, e := range result.Trace {
		fmt.Fprintf(&b, "  %s\n", e)
	}
	b.WriteString("records:\n")
	for _, r := range result.Records {
		fmt.Fprintf(&b, "  %s\n", r)
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario, requires it to pass and compares its
// snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	if !result.Pass {
		t.Errorf("scenario %s failed:\n%s", scenario.Name, strings.Join(result.Errors, "\n"))
	}
	AssertGolden(t, scenario.Name, result)
	return nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Render(name, result))
}
