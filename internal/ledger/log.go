package ledger

import (
	"fmt"
	"time"
)

// LogStatus is the outcome recorded by a SyncLogEntry.
type LogStatus string

const (
	LogSynced   LogStatus = "SYNCED"
	LogFailed   LogStatus = "FAILED"
	LogRetry    LogStatus = "RETRY"
	LogConflict LogStatus = "CONFLICT"
	LogNotFound LogStatus = "NOT_FOUND"
	LogResolved LogStatus = "RESOLVED"
)

// ParseLogStatus converts a stored value back to a LogStatus.
func ParseLogStatus(v string) (LogStatus, error) {
	switch s := LogStatus(v); s {
	case LogSynced, LogFailed, LogRetry, LogConflict, LogNotFound, LogResolved:
		return s, nil
	default:
		return "", fmt.Errorf("unknown log status %q", v)
	}
}

// Audit operation names.
const (
	AuditDrain         = "drain_outbox"
	AuditPush          = "push"
	AuditPull          = "pull"
	AuditResolveLocal  = "resolve_local_wins"
	AuditResolveServer = "resolve_server_wins"
	AuditReset         = "reset"
	AuditCycle         = "cycle"
)

// EntityCycle is the entity type of cycle-terminal audit entries.
const EntityCycle = "sync_cycle"

// SyncLogEntry is one immutable audit record of a sync attempt.
//
// RetryCount is the number of consecutive transient failures for the entity
// including this attempt; it is zero on success. Persisting it here is what
// lets backoff survive a process restart.
type SyncLogEntry struct {
	ID         int64     `json:"id"`
	CycleID    string    `json:"cycle_id,omitempty"`
	Operation  string    `json:"operation"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Status     LogStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}
