// Package conflict detects version conflicts between the local and server
// copies of a record and applies explicit resolutions.
//
// There is no vector clock to tell "server moved independently" apart from
// "local merely stale", so money-bearing fields are never merged. A conflict
// parks the record in CONFLICT with both copies intact until a caller picks
// a side with Resolve.
package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/syncerr"
)

// Choice selects the winning side of a conflict.
type Choice string

const (
	LocalWins  Choice = "LOCAL_WINS"
	ServerWins Choice = "SERVER_WINS"
)

// ParseChoice accepts "local", "server" or the full constant names.
func ParseChoice(v string) (Choice, error) {
	switch v {
	case "local", string(LocalWins):
		return LocalWins, nil
	case "server", string(ServerWins):
		return ServerWins, nil
	default:
		return "", fmt.Errorf("unknown resolution %q (want local or server)", v)
	}
}

// Conflict is a record held in CONFLICT together with the server copy.
type Conflict struct {
	Local      ledger.Record `json:"local"`
	Server     ledger.Record `json:"server"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Detect reports whether server disagrees with local's last confirmed version.
func Detect(local, server ledger.Record) (Conflict, bool) {
	if server.Version == local.BaseVersion() {
		return Conflict{}, false
	}
	return Conflict{Local: local, Server: server}, true
}

// ResolvedVersion is the version both sides agree on after a resolution.
func ResolvedVersion(local, server int64) int64 {
	return max(local, server) + 1
}

// Resolver flags and resolves conflicts against a Store.
type Resolver struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewResolver creates a Resolver backed by s.
func NewResolver(s *store.Store, logger zerolog.Logger) *Resolver {
	return &Resolver{store: s, logger: logger.With().Str("component", "conflict").Logger()}
}

// Flag parks the record in CONFLICT and saves the server copy.
// Local fields are left untouched.
func (r *Resolver) Flag(ctx context.Context, local, server ledger.Record) (ledger.Record, error) {
	var flagged ledger.Record
	err := r.store.Atomically(ctx, func(tx *store.Tx) error {
		var err error
		flagged, err = r.FlagTx(ctx, tx, local.ID, server)
		return err
	})
	return flagged, err
}

// FlagTx is Flag inside a caller-owned transaction. The record is re-read
// inside the transaction and every live outbox operation for it is retired
// with outcome conflict; resolving LocalWins enqueues a fresh one.
func (r *Resolver) FlagTx(ctx context.Context, tx *store.Tx, recordID string, server ledger.Record) (ledger.Record, error) {
	rec, err := tx.Get(ctx, recordID)
	if err != nil {
		return ledger.Record{}, err
	}
	if err := rec.Transition(ledger.StatusConflict); err != nil {
		return ledger.Record{}, syncerr.Validation("flag conflict", err)
	}
	if rec.ServerID == "" {
		rec.ServerID = server.ServerID
	}
	if err := tx.Upsert(ctx, rec); err != nil {
		return ledger.Record{}, err
	}
	if err := tx.SaveConflict(ctx, rec.ID, server); err != nil {
		return ledger.Record{}, err
	}
	if _, err := tx.RetireLive(ctx, rec.ID, ledger.OutcomeConflict); err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

// Inspect returns both sides of a conflict.
func (r *Resolver) Inspect(ctx context.Context, id string) (Conflict, error) {
	local, err := r.store.Get(ctx, id)
	if err != nil {
		return Conflict{}, err
	}
	sc, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return Conflict{}, err
	}
	return Conflict{Local: local, Server: sc.Server, DetectedAt: sc.DetectedAt}, nil
}

// List returns every open conflict, oldest first.
func (r *Resolver) List(ctx context.Context) ([]Conflict, error) {
	stored, err := r.store.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, 0, len(stored))
	for _, sc := range stored {
		local, err := r.store.Get(ctx, sc.RecordID)
		if err != nil {
			return nil, err
		}
		out = append(out, Conflict{Local: local, Server: sc.Server, DetectedAt: sc.DetectedAt})
	}
	return out, nil
}

// Resolve applies choice to a record in CONFLICT.
//
// The winning fields are applied and the version becomes
// max(local, server) + 1. LocalWins leaves the record PENDING with a fresh
// outbox operation so it is re-pushed; ServerWins marks it SYNCED against the
// server copy. The sidecar row is removed in the same transaction; the
// RESOLVED audit entry follows the commit and a failure to write it is logged.
func (r *Resolver) Resolve(ctx context.Context, id string, choice Choice) (ledger.Record, error) {
	if choice != LocalWins && choice != ServerWins {
		return ledger.Record{}, syncerr.Validation("resolve", fmt.Errorf("unknown choice %q", choice))
	}

	var resolved ledger.Record
	err := r.store.Atomically(ctx, func(tx *store.Tx) error {
		local, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if local.Status != ledger.StatusConflict {
			return syncerr.Validation("resolve", fmt.Errorf("record %s is %s, not CONFLICT", id, local.Status))
		}
		sc, err := tx.GetConflict(ctx, id)
		if err != nil {
			return err
		}
		server := sc.Server
		now := r.store.Clock().Now().UTC()

		rec := local
		rec.Version = ResolvedVersion(local.Version, server.Version)
		rec.RemoteVersion = server.Version
		rec.LastModified = now
		rec.UpdatedAt = now
		if rec.ServerID == "" {
			rec.ServerID = server.ServerID
		}

		switch choice {
		case LocalWins:
			if err := rec.Transition(ledger.StatusPending); err != nil {
				return syncerr.Validation("resolve", err)
			}
			kind := ledger.OpUpdate
			if rec.IsDeleted {
				kind = ledger.OpDelete
			}
			if _, err := tx.Mutate(ctx, rec, kind); err != nil {
				return err
			}
		case ServerWins:
			rec.Fields = server.Fields
			rec.IsDeleted = server.IsDeleted
			if err := rec.Transition(ledger.StatusSynced); err != nil {
				return syncerr.Validation("resolve", err)
			}
			if err := tx.Upsert(ctx, rec); err != nil {
				return err
			}
		}

		if err := tx.DeleteConflict(ctx, id); err != nil {
			return err
		}
		resolved = rec
		return nil
	})
	if err != nil {
		return ledger.Record{}, err
	}

	op := ledger.AuditResolveLocal
	if choice == ServerWins {
		op = ledger.AuditResolveServer
	}
	if _, err := r.store.Append(ctx, ledger.SyncLogEntry{
		Operation:  op,
		EntityType: ledger.EntityTransaction,
		EntityID:   id,
		Status:     ledger.LogResolved,
	}); err != nil {
		r.logger.Warn().Err(err).Str("record", id).Msg("audit write failed")
	}

	r.logger.Info().
		Str("record", id).
		Str("choice", string(choice)).
		Int64("version", resolved.Version).
		Msg("conflict resolved")
	return resolved, nil
}
