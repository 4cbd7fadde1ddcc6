package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tally/internal/ledger"
)

// TraceEvent is one audit entry with ids replaced by scenario refs and the
// timestamp made relative to the scenario start.
type TraceEvent struct {
	Offset     time.Duration    `json:"offset"`
	Cycle      string           `json:"cycle,omitempty"`
	Operation  string           `json:"operation"`
	Entity     string           `json:"entity"`
	Status     ledger.LogStatus `json:"status"`
	RetryCount int              `json:"retry_count,omitempty"`
}

func (e TraceEvent) String() string {
	cycle := e.Cycle
	if cycle == "" {
		cycle = "-"
	}
	s := fmt.Sprintf("+%s %s %s %s %s", e.Offset, cycle, e.Operation, e.Entity, e.Status)
	if e.RetryCount > 0 {
		s += fmt.Sprintf(" retry=%d", e.RetryCount)
	}
	return s
}

// RecordState is the final state of one scenario record.
type RecordState struct {
	Ref           string `json:"ref"`
	Gone          bool   `json:"gone,omitempty"`
	Status        string `json:"status,omitempty"`
	Version       int64  `json:"version,omitempty"`
	RemoteVersion int64  `json:"remote_version,omitempty"`
	ServerID      string `json:"server_id,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Deleted       bool   `json:"deleted,omitempty"`
	Orphaned      bool   `json:"orphaned,omitempty"`
	Live          bool   `json:"live,omitempty"`
}

func (s RecordState) String() string {
	if s.Gone {
		return s.Ref + " gone"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s version=%d remote_version=%d", s.Ref, s.Status, s.Version, s.RemoteVersion)
	if s.ServerID != "" {
		fmt.Fprintf(&b, " server_id=%s", s.ServerID)
	}
	for _, flag := range []struct {
		set  bool
		name string
	}{{s.Deleted, "deleted"}, {s.Orphaned, "orphaned"}, {s.Live, "live"}} {
		if flag.set {
			b.WriteString(" " + flag.name)
		}
	}
	return b.String()
}

// fields exposes the state to final_state assertions by key.
func (s RecordState) fields() map[string]any {
	return map[string]any{
		"gone":           s.Gone,
		"status":         s.Status,
		"version":        s.Version,
		"remote_version": s.RemoteVersion,
		"server_id":      s.ServerID,
		"amount":         s.Amount,
		"deleted":        s.Deleted,
		"orphaned":       s.Orphaned,
		"live":           s.Live,
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Steps summarizes each executed step, in order.
	Steps []string `json:"steps"`

	// Trace is the full audit log in write order.
	Trace []TraceEvent `json:"trace"`

	// Records holds the final state of every ref, sorted by ref.
	Records []RecordState `json:"records"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Steps:   []string{},
		Trace:   []TraceEvent{},
		Records: []RecordState{},
		Errors:  []string{},
	}
}

// AddError adds a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Record returns the final state of ref.
func (r *Result) Record(ref string) (RecordState, bool) {
	for _, rs := range r.Records {
		if rs.Ref == ref {
			return rs, true
		}
	}
	return RecordState{}, false
}
