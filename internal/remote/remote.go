// Package remote is the boundary to the remote data service.
//
// Client is what the sync orchestrator depends on. HTTPClient speaks JSON
// over HTTP and maps every failure onto the syncerr taxonomy; Server is a
// reference in-memory authority with the same contract, used by the
// `tally serve` command, the scenario harness and tests.
//
// # Idempotency
//
// Pushes are deduplicated by offlineId. A push whose (offlineId, version)
// pair was already applied returns the stored Ack and has no second effect,
// so replaying an operation after a crash before MarkProcessed is safe.
//
// # Optimistic concurrency
//
// Every push carries the version the client last saw confirmed
// (baseVersion). The server rejects a push whose base does not match its
// current version with 409 and the server copy, which the orchestrator
// routes to the conflict resolver.
package remote

import (
	"context"
	"time"

	"github.com/roach88/tally/internal/ledger"
)

// Client pushes local records to the remote authority and pulls server copies.
//
// Errors are *syncerr.Error values: Transient (optionally Unreachable),
// Conflict carrying the server copy, NotFound, Validation or Permanent.
type Client interface {
	// Push applies rec remotely. Replaying the same (offlineId, version)
	// returns the original Ack.
	Push(ctx context.Context, rec ledger.Record) (Ack, error)

	// Pull returns the server copy of serverID. The returned record has no
	// local ID; Status is SYNCED and RemoteVersion is zero.
	Pull(ctx context.Context, serverID string) (ledger.Record, error)
}

// Ack is the remote acknowledgment of a push.
type Ack struct {
	ServerID     string    `json:"serverId"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

// wireRecord is the JSON shape of a record on the wire.
type wireRecord struct {
	ServerID     string    `json:"serverId,omitempty"`
	OfflineID    string    `json:"offlineId"`
	Version      int64     `json:"version"`
	BaseVersion  int64     `json:"baseVersion"`
	IsDeleted    bool      `json:"isDeleted"`
	Account      string    `json:"account"`
	Description  string    `json:"description"`
	Category     string    `json:"category,omitempty"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	OccurredAt   time.Time `json:"occurredAt"`
	LastModified time.Time `json:"lastModified"`
}

// errorBody is the JSON body of every non-2xx response.
type errorBody struct {
	Error  string      `json:"error"`
	Server *wireRecord `json:"server,omitempty"`
}

func toWire(rec ledger.Record) wireRecord {
	return wireRecord{
		ServerID:     rec.ServerID,
		OfflineID:    rec.OfflineID,
		Version:      rec.Version,
		BaseVersion:  rec.RemoteVersion,
		IsDeleted:    rec.IsDeleted,
		Account:      rec.Fields.Account,
		Description:  rec.Fields.Description,
		Category:     rec.Fields.Category,
		Amount:       rec.Fields.Amount,
		Currency:     rec.Fields.Currency,
		OccurredAt:   rec.Fields.OccurredAt,
		LastModified: rec.LastModified,
	}
}

func (w wireRecord) record() ledger.Record {
	return ledger.Record{
		ServerID:  w.ServerID,
		OfflineID: w.OfflineID,
		Version:   w.Version,
		IsDeleted: w.IsDeleted,
		Fields: ledger.Fields{
			Account:     w.Account,
			Description: w.Description,
			Category:    w.Category,
			Amount:      w.Amount,
			Currency:    w.Currency,
			OccurredAt:  w.OccurredAt.UTC(),
		},
		Status:       ledger.StatusSynced,
		LastModified: w.LastModified.UTC(),
	}
}
