// Package ledger implements the tamper-evident, append-only audit ledger.
//
// Each chain (one per tenant) is a linear sequence of Records. A record's
// ChainHash is SHA-256(previous_hash || canonical content), so changing
// any record breaks every link after it. Every record is signed, and the
// signature covers the chain hash together with the record's position and
// signing metadata, so content tampering and signature tampering are
// reported separately by the Verifier.
//
// Appends are serialized per chain by a Coordinator and guarded by a
// compare-and-swap on the chain tail in the Store, so two writers can
// never both extend the same tail.
package ledger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/complykit/auditledger/internal/signing"
)

// GenesisHash is the previous_hash of the first record in every chain.
var GenesisHash = strings.Repeat("0", 64)

// Record is one immutable entry of audit history.
//
// Content holds the canonical JSON bytes that were hashed. Stores persist
// it byte for byte; it is never re-encoded on the way back out.
type Record struct {
	ID        uuid.UUID         `json:"id"`
	ChainID   string            `json:"chain_id"`
	Sequence  uint64            `json:"sequence"`
	Content   json.RawMessage   `json:"content"`
	PrevHash  string            `json:"previous_hash"`
	ChainHash string            `json:"chain_hash"`
	Signature []byte            `json:"signature"`
	KeyID     string            `json:"key_id"`
	Algorithm signing.Algorithm `json:"algorithm"`
	CreatedAt time.Time         `json:"created_at"`
}

// Clone returns a deep copy so callers cannot mutate store-owned bytes.
func (r *Record) Clone() *Record {
	c := *r
	c.Content = append(json.RawMessage(nil), r.Content...)
	c.Signature = append([]byte(nil), r.Signature...)
	return &c
}

// Tail is the position and hash of the last committed record of a chain.
type Tail struct {
	Sequence  uint64 `json:"sequence" yaml:"sequence"`
	ChainHash string `json:"chain_hash" yaml:"chain_hash"`
}

// TailOf returns the tail that rec establishes.
func TailOf(rec *Record) Tail {
	return Tail{Sequence: rec.Sequence, ChainHash: rec.ChainHash}
}
