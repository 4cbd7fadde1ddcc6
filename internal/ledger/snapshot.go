package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/unicode/norm"
)

// DomainSnapshot is the hash domain for operation snapshots.
// The version suffix leaves room for a future encoding change.
const DomainSnapshot = "tally/snapshot/v1"

// snapshot is the wire shape of a record captured in the outbox.
// Times are unix nanoseconds so the encoding is independent of time zones.
type snapshot struct {
	ID           string `cbor:"1,keyasint"`
	OfflineID    string `cbor:"2,keyasint"`
	ServerID     string `cbor:"3,keyasint,omitempty"`
	Version      int64  `cbor:"4,keyasint"`
	IsDeleted    bool   `cbor:"5,keyasint"`
	Account      string `cbor:"6,keyasint"`
	Description  string `cbor:"7,keyasint"`
	Category     string `cbor:"8,keyasint,omitempty"`
	Amount       string `cbor:"9,keyasint"`
	Currency     string `cbor:"10,keyasint"`
	OccurredAt   int64  `cbor:"11,keyasint"`
	LastModified int64  `cbor:"12,keyasint"`
	CreatedAt    int64  `cbor:"13,keyasint"`
}

// encMode uses Core Deterministic Encoding so equal records hash equally.
var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ledger: cbor enc mode: %v", err))
	}
	return em
}()

// EncodeSnapshot serializes rec deterministically and returns the bytes and
// their domain-separated SHA-256 hash. Strings are NFC normalized first so
// visually identical input from different keyboards produces one snapshot.
func EncodeSnapshot(rec Record) ([]byte, string, error) {
	s := snapshot{
		ID:           rec.ID,
		OfflineID:    rec.OfflineID,
		ServerID:     rec.ServerID,
		Version:      rec.Version,
		IsDeleted:    rec.IsDeleted,
		Account:      norm.NFC.String(rec.Fields.Account),
		Description:  norm.NFC.String(rec.Fields.Description),
		Category:     norm.NFC.String(rec.Fields.Category),
		Amount:       rec.Fields.Amount,
		Currency:     rec.Fields.Currency,
		OccurredAt:   unixNano(rec.Fields.OccurredAt),
		LastModified: unixNano(rec.LastModified),
		CreatedAt:    unixNano(rec.CreatedAt),
	}
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("encode snapshot: %w", err)
	}
	return data, hashWithDomain(DomainSnapshot, data), nil
}

// DecodeSnapshot verifies data against hash and rebuilds the record.
// The returned record carries no sync status; callers decide it.
func DecodeSnapshot(data []byte, hash string) (Record, error) {
	if got := hashWithDomain(DomainSnapshot, data); got != hash {
		return Record{}, fmt.Errorf("decode snapshot: hash mismatch (want %s, got %s)", hash, got)
	}
	var s snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Record{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return Record{
		ID:        s.ID,
		OfflineID: s.OfflineID,
		ServerID:  s.ServerID,
		Version:   s.Version,
		IsDeleted: s.IsDeleted,
		Fields: Fields{
			Account:     s.Account,
			Description: s.Description,
			Category:    s.Category,
			Amount:      s.Amount,
			Currency:    s.Currency,
			OccurredAt:  fromUnixNano(s.OccurredAt),
		},
		LastModified: fromUnixNano(s.LastModified),
		CreatedAt:    fromUnixNano(s.CreatedAt),
	}, nil
}

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
