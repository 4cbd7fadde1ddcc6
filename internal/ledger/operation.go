package ledger

import (
	"fmt"
	"time"
)

// OpKind is the kind of local mutation captured by an OfflineOperation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a declared operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// ParseOpKind converts a stored value to an OpKind.
func ParseOpKind(v string) (OpKind, error) {
	k := OpKind(v)
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", v)
	}
	return k, nil
}

// Outcome explains why an OfflineOperation was retired.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeFailed     Outcome = "failed"
	OutcomeConflict   Outcome = "conflict"
)

// Default priorities. Deletes go first so tombstones clear remotely before
// edits that may reference the same account.
const (
	PriorityDelete = 10
	PriorityCreate = 5
	PriorityUpdate = 1
)

// DefaultPriority returns the outbox priority used for kind.
func DefaultPriority(kind OpKind) int {
	switch kind {
	case OpDelete:
		return PriorityDelete
	case OpCreate:
		return PriorityCreate
	default:
		return PriorityUpdate
	}
}

// OfflineOperation is a durable intent to apply one local mutation remotely.
//
// Processed is monotonic: once true it never reverts and the operation is
// never dequeued again.
type OfflineOperation struct {
	ID           string     `json:"id"`
	Kind         OpKind     `json:"kind"`
	EntityType   string     `json:"entity_type"`
	RecordID     string     `json:"record_id"`
	OfflineID    string     `json:"offline_id"`
	Snapshot     []byte     `json:"snapshot"`
	SnapshotHash string     `json:"snapshot_hash"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	Priority     int        `json:"priority"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	Outcome      Outcome    `json:"outcome,omitempty"`
}

// NewOperation captures rec as an operation of the given kind.
// The snapshot is encoded at enqueue time so later edits do not leak into it.
func NewOperation(id string, kind OpKind, rec Record, now time.Time) (OfflineOperation, error) {
	snap, hash, err := EncodeSnapshot(rec)
	if err != nil {
		return OfflineOperation{}, err
	}
	return OfflineOperation{
		ID:           id,
		Kind:         kind,
		EntityType:   EntityTransaction,
		RecordID:     rec.ID,
		OfflineID:    rec.OfflineID,
		Snapshot:     snap,
		SnapshotHash: hash,
		EnqueuedAt:   now,
		Priority:     DefaultPriority(kind),
	}, nil
}

// Record decodes the snapshot captured at enqueue time.
func (op OfflineOperation) Record() (Record, error) {
	return DecodeSnapshot(op.Snapshot, op.SnapshotHash)
}
