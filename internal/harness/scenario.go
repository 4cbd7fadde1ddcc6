package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tally/internal/retry"
)

// Scenario defines a sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy overrides the retry policy. Zero fields take the defaults.
	Policy *PolicySpec `yaml:"policy,omitempty"`

	// BatchSize overrides the per-step batch bound.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// PolicySpec is the retry policy of a scenario.
type PolicySpec struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	MaxRetries int           `yaml:"max_retries"`
}

func (s *Scenario) policy() retry.Policy {
	if s.Policy == nil {
		return retry.DefaultPolicy()
	}
	return retry.Policy{Base: s.Policy.Base, Max: s.Policy.Max, MaxRetries: s.Policy.MaxRetries}
}

// Step is one scenario action. Exactly one action field is set.
type Step struct {
	Create       *RecordStep   `yaml:"create,omitempty"`
	Edit         *RecordStep   `yaml:"edit,omitempty"`
	Delete       *RefStep      `yaml:"delete,omitempty"`
	RemoteEdit   *RecordStep   `yaml:"remote_edit,omitempty"`
	RemoteForget *RefStep      `yaml:"remote_forget,omitempty"`
	FailPush     []string      `yaml:"fail_push,omitempty"`
	FailPull     []string      `yaml:"fail_pull,omitempty"`
	Advance      time.Duration `yaml:"advance,omitempty"`
	Sync         *SyncStep     `yaml:"sync,omitempty"`
	Resolve      *ResolveStep  `yaml:"resolve,omitempty"`
	Reset        *RefStep      `yaml:"reset,omitempty"`
	Reap         *ReapStep     `yaml:"reap,omitempty"`

	// Fails requires the action to be rejected.
	Fails bool `yaml:"fails,omitempty"`
}

// actions lists the names of the action fields that are set.
func (s Step) actions() []string {
	var names []string
	for _, a := range []struct {
		set  bool
		name string
	}{
		{s.Create != nil, "create"},
		{s.Edit != nil, "edit"},
		{s.Delete != nil, "delete"},
		{s.RemoteEdit != nil, "remote_edit"},
		{s.RemoteForget != nil, "remote_forget"},
		{len(s.FailPush) > 0, "fail_push"},
		{len(s.FailPull) > 0, "fail_pull"},
		{s.Advance != 0, "advance"},
		{s.Sync != nil, "sync"},
		{s.Resolve != nil, "resolve"},
		{s.Reset != nil, "reset"},
		{s.Reap != nil, "reap"},
	} {
		if a.set {
			names = append(names, a.name)
		}
	}
	return names
}

// RecordStep names a record and the business fields to set. Empty fields
// keep their current value; on create they take scenario defaults.
type RecordStep struct {
	Ref         string `yaml:"ref"`
	Account     string `yaml:"account,omitempty"`
	Description string `yaml:"description,omitempty"`
	Category    string `yaml:"category,omitempty"`
	Amount      string `yaml:"amount,omitempty"`
	Currency    string `yaml:"currency,omitempty"`
}

// RefStep names a record.
type RefStep struct {
	Ref string `yaml:"ref"`
}

// SyncStep runs one cycle. Set fields are checked against the report.
type SyncStep struct {
	Outcome   string `yaml:"outcome,omitempty"`
	Drained   *int   `yaml:"drained,omitempty"`
	Pushed    *int   `yaml:"pushed,omitempty"`
	Pulled    *int   `yaml:"pulled,omitempty"`
	Conflicts *int   `yaml:"conflicts,omitempty"`
	Orphaned  *int   `yaml:"orphaned,omitempty"`
	Failed    *int   `yaml:"failed,omitempty"`
	Retried   *int   `yaml:"retried,omitempty"`
	Deferred  *int   `yaml:"deferred,omitempty"`
}

// ResolveStep resolves a conflict. Choice is "local" or "server".
type ResolveStep struct {
	Ref    string `yaml:"ref"`
	Choice string `yaml:"choice"`
}

// ReapStep removes acknowledged tombstones. Removed, if set, is checked.
type ReapStep struct {
	Removed *int64 `yaml:"removed,omitempty"`
}

// Assertion validates the final trace or state.
type Assertion struct {
	// Type is one of trace_contains, trace_count, trace_order, final_state.
	Type string `yaml:"type"`

	// Ref names the record (all types; optional for trace_count).
	Ref string `yaml:"ref,omitempty"`

	// Operation and Status filter audit entries (trace_contains, trace_count).
	Operation string `yaml:"operation,omitempty"`
	Status    string `yaml:"status,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Statuses is the expected status sequence of ref (trace_order).
	Statuses []string `yaml:"statuses,omitempty"`

	// Expect lists expected state fields (final_state). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
	AssertFinalState    = "final_state"
)

// faultNames are the failures fail_push and fail_pull can queue.
var faultNames = map[string]bool{
	"transient":   true,
	"unreachable": true,
	"not_found":   true,
	"permanent":   true,
	"validation":  true,
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML. Unknown fields are
// rejected so typos fail loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("batch_size must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	actions := step.actions()
	if len(actions) != 1 {
		return fmt.Errorf("steps[%d]: exactly one action required, got %v", index, actions)
	}

	var ref string
	switch {
	case step.Create != nil:
		ref = step.Create.Ref
	case step.Edit != nil:
		ref = step.Edit.Ref
	case step.Delete != nil:
		ref = step.Delete.Ref
	case step.RemoteEdit != nil:
		ref = step.RemoteEdit.Ref
	case step.RemoteForget != nil:
		ref = step.RemoteForget.Ref
	case step.Resolve != nil:
		ref = step.Resolve.Ref
		if step.Resolve.Choice == "" {
			return fmt.Errorf("steps[%d]: resolve requires a choice", index)
		}
	case step.Reset != nil:
		ref = step.Reset.Ref
	case step.Advance < 0:
		return fmt.Errorf("steps[%d]: advance must be positive", index)
	default:
		for _, name := range append(step.FailPush, step.FailPull...) {
			if !faultNames[name] {
				return fmt.Errorf("steps[%d]: unknown fault %q", index, name)
			}
		}
		return nil
	}
	if ref == "" {
		return fmt.Errorf("steps[%d]: %s requires a ref", index, actions[0])
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Ref == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: ref and status are required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if a.Ref == "" || len(a.Statuses) == 0 {
			return fmt.Errorf("assertions[%d]: ref and statuses are required for trace_order", index)
		}
	case AssertFinalState:
		if a.Ref == "" {
			return fmt.Errorf("assertions[%d]: ref is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
		known := RecordState{}.fields()
		for key := range a.Expect {
			if _, ok := known[key]; !ok {
				return fmt.Errorf("assertions[%d]: unknown state field %q", index, key)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
