package ledger

import "fmt"

// SyncStatus is the synchronization state of a Record.
//
// The zero value is deliberately invalid so that an unset status is caught
// by Valid() instead of silently reading as PENDING.
type SyncStatus uint8

const (
	StatusPending SyncStatus = iota + 1
	StatusSynced
	StatusFailed
	StatusConflict
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []SyncStatus{StatusPending, StatusSynced, StatusFailed, StatusConflict}

// String returns the stored representation ("PENDING", "SYNCED", ...).
func (s SyncStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSynced:
		return "SYNCED"
	case StatusFailed:
		return "FAILED"
	case StatusConflict:
		return "CONFLICT"
	default:
		return fmt.Sprintf("SyncStatus(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the declared statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed, StatusConflict:
		return true
	default:
		return false
	}
}

// ParseSyncStatus converts a stored representation back to a SyncStatus.
func ParseSyncStatus(v string) (SyncStatus, error) {
	for _, s := range AllStatuses {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown sync status %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s SyncStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid sync status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SyncStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseSyncStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// transitions is the complete edge set of the record state machine.
// Any (from, to) pair absent from this table is illegal.
//
//	PENDING  -> PENDING (further local edit), SYNCED, CONFLICT, FAILED
//	SYNCED   -> PENDING (local edit or delete), CONFLICT (pull mismatch), SYNCED (repeated ack)
//	CONFLICT -> PENDING (local wins), SYNCED (server wins)
//	FAILED   -> PENDING (explicit reset)
var transitions = map[SyncStatus][]SyncStatus{
	StatusPending:  {StatusPending, StatusSynced, StatusConflict, StatusFailed},
	StatusSynced:   {StatusPending, StatusConflict, StatusSynced},
	StatusConflict: {StatusPending, StatusSynced},
	StatusFailed:   {StatusPending},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to SyncStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change is not in the table.
type TransitionError struct {
	RecordID string
	From     SyncStatus
	To       SyncStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s (record=%s)", e.From, e.To, e.RecordID)
}
