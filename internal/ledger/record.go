package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// EntityTransaction is the entity type of a financial transaction record.
const EntityTransaction = "transaction"

// Fields are the business fields of a financial record.
//
// Amount is a decimal string. It is normalized on validation and is never
// merged: a conflicting amount is always surfaced for an explicit choice.
type Fields struct {
	Account     string    `json:"account"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// maxDescriptionLen bounds free-text fields stored locally and pushed remotely.
const maxDescriptionLen = 500

// FieldError describes a single invalid business field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Normalize validates the fields and returns a copy with a canonical amount
// and upper-cased currency. The receiver is not modified.
func (f Fields) Normalize() (Fields, error) {
	out := f
	out.Account = strings.TrimSpace(f.Account)
	if out.Account == "" {
		return Fields{}, &FieldError{Field: "account", Message: "required"}
	}
	if len(f.Description) > maxDescriptionLen {
		return Fields{}, &FieldError{Field: "description", Message: fmt.Sprintf("longer than %d bytes", maxDescriptionLen)}
	}

	amount, err := NormalizeAmount(f.Amount)
	if err != nil {
		return Fields{}, &FieldError{Field: "amount", Message: err.Error()}
	}
	out.Amount = amount

	out.Currency = strings.ToUpper(strings.TrimSpace(f.Currency))
	if len(out.Currency) != 3 {
		return Fields{}, &FieldError{Field: "currency", Message: "must be a 3-letter ISO 4217 code"}
	}
	for _, r := range out.Currency {
		if r < 'A' || r > 'Z' {
			return Fields{}, &FieldError{Field: "currency", Message: "must be a 3-letter ISO 4217 code"}
		}
	}

	if f.OccurredAt.IsZero() {
		return Fields{}, &FieldError{Field: "occurred_at", Message: "required"}
	}
	out.OccurredAt = f.OccurredAt.UTC()
	return out, nil
}

// NormalizeAmount parses a decimal amount and returns its plain-notation form.
// "1E+2" becomes "100"; "12.50" stays "12.50" so the stated precision survives.
func NormalizeAmount(s string) (string, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("not a decimal: %q", s)
	}
	if d.Form != apd.Finite {
		return "", fmt.Errorf("not a finite decimal: %q", s)
	}
	return d.Text('f'), nil
}

// Record is a financial record plus its sync metadata.
type Record struct {
	ID       string     `json:"id"`
	Fields   Fields     `json:"fields"`
	Status   SyncStatus `json:"sync_status"`
	ServerID string     `json:"server_id,omitempty"`
	Version  int64      `json:"version"`

	// RemoteVersion is the version the remote last confirmed for this
	// record, zero if never. Pull compares the server copy against it.
	RemoteVersion int64 `json:"remote_version,omitempty"`

	LastModified time.Time `json:"last_modified"`
	IsDeleted    bool      `json:"is_deleted"`
	OfflineID    string    `json:"offline_id"`
	Orphaned     bool      `json:"orphaned,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Transition moves the record to status to, enforcing the state machine.
func (r *Record) Transition(to SyncStatus) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{RecordID: r.ID, From: r.Status, To: to}
	}
	r.Status = to
	return nil
}

// Touch records a local mutation: status PENDING, version+1, timestamps at now.
func (r *Record) Touch(now time.Time) error {
	if err := r.Transition(StatusPending); err != nil {
		return err
	}
	r.Version++
	r.LastModified = now
	r.UpdatedAt = now
	return nil
}

// BaseVersion is the version a server copy is expected to carry when
// nothing changed remotely.
func (r *Record) BaseVersion() int64 {
	if r.RemoteVersion > 0 {
		return r.RemoteVersion
	}
	return r.Version
}

// Acknowledged reports whether the remote authority has ever accepted the record.
func (r *Record) Acknowledged() bool {
	return r.ServerID != ""
}
