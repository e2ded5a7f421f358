package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrInvalidContent is returned when record content is not a JSON object.
var ErrInvalidContent = errors.New("content must be a JSON object")

// signingDomain separates ledger signatures from anything else the same
// key might sign.
const signingDomain = "auditledger/record/v1"

// Canonicalize returns the canonical encoding of v: object keys sorted,
// no insignificant whitespace, numbers kept exactly as written. v may be
// any JSON-marshalable value or raw JSON bytes; the result must decode to
// an object. Canonicalize is idempotent.
func Canonicalize(v any) ([]byte, error) {
	doc, err := decodeObject(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// decodeObject round-trips v through JSON into a generic object with
// json.Number leaves, the form the protection layer walks.
func decodeObject(v any) (map[string]any, error) {
	var raw []byte
	switch c := v.(type) {
	case json.RawMessage:
		raw = c
	case []byte:
		raw = c
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if doc == nil {
		return nil, ErrInvalidContent
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidContent)
	}
	return doc, nil
}

// BuildChainHash computes hex(SHA-256(prevHash || canonical)). The
// previous hash enters as its hex text, so the digest links to the exact
// string stored on the prior record.
func BuildChainHash(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// signedFields is the message a record signature covers. Field order is
// fixed by the struct, so the encoding is deterministic.
type signedFields struct {
	Domain    string `json:"domain"`
	ChainID   string `json:"chain_id"`
	Sequence  uint64 `json:"sequence"`
	PrevHash  string `json:"previous_hash"`
	ChainHash string `json:"chain_hash"`
	CreatedAt string `json:"created_at"`
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
}

// SigningInput returns the bytes signed for rec. It binds the chain hash
// to the record's chain, position, timestamp and signing key so a valid
// signature cannot be replayed onto another record.
func SigningInput(rec *Record) []byte {
	b, _ := json.Marshal(signedFields{
		Domain:    signingDomain,
		ChainID:   rec.ChainID,
		Sequence:  rec.Sequence,
		PrevHash:  rec.PrevHash,
		ChainHash: rec.ChainHash,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		KeyID:     rec.KeyID,
		Algorithm: string(rec.Algorithm),
	})
	return b
}
