// Package anchor publishes signed chain-tail commitments outside the
// ledger store.
//
// A verifier that trusts only the store cannot tell a valid chain from a
// chain that was rewritten wholesale and re-signed. An anchor written to
// separate write-once storage fixes a (sequence, chain_hash) pair in
// time; Check later confirms the store still holds that exact record.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/ledger"
	"github.com/complykit/auditledger/internal/signing"
)

const signingDomain = "auditledger/anchor/v1"

var (
	// ErrNoAnchor means nothing has been published for a chain.
	ErrNoAnchor = errors.New("no anchor published")
	// ErrAnchorExists means an anchor for that position was already
	// published. Anchors are never overwritten.
	ErrAnchorExists = errors.New("anchor already published")
	// ErrAnchorMismatch means the store disagrees with a published anchor.
	ErrAnchorMismatch = errors.New("store does not match anchor")
	// ErrBadAnchorSignature means the anchor itself was not signed by a
	// known key.
	ErrBadAnchorSignature = errors.New("anchor signature invalid")
)

// Anchor commits to the record at Sequence of ChainID.
type Anchor struct {
	ChainID     string            `json:"chain_id"`
	Sequence    uint64            `json:"sequence"`
	ChainHash   string            `json:"chain_hash"`
	PublishedAt time.Time         `json:"published_at"`
	KeyID       string            `json:"key_id"`
	Algorithm   signing.Algorithm `json:"algorithm"`
	Signature   []byte            `json:"signature"`
}

// Publisher stores anchors in write-once storage.
type Publisher interface {
	Publish(ctx context.Context, a *Anchor) error
	// Latest returns the highest-sequence anchor for chainID or
	// ErrNoAnchor.
	Latest(ctx context.Context, chainID string) (*Anchor, error)
}

// New signs an anchor for tail.
func New(signer signing.Signer, chainID string, tail ledger.Tail, now time.Time) (*Anchor, error) {
	a := &Anchor{
		ChainID:     chainID,
		Sequence:    tail.Sequence,
		ChainHash:   tail.ChainHash,
		PublishedAt: now.UTC(),
		KeyID:       signer.KeyID(),
		Algorithm:   signer.Algorithm(),
	}
	sig, err := signer.Sign(a.signingInput())
	if err != nil {
		return nil, fault.Configuration("anchor", fmt.Errorf("%w: %v", fault.ErrSigningKeyUnavailable, err))
	}
	a.Signature = sig
	return a, nil
}

func (a *Anchor) signingInput() []byte {
	b, _ := json.Marshal(struct {
		Domain      string `json:"domain"`
		ChainID     string `json:"chain_id"`
		Sequence    uint64 `json:"sequence"`
		ChainHash   string `json:"chain_hash"`
		PublishedAt string `json:"published_at"`
		KeyID       string `json:"key_id"`
		Algorithm   string `json:"algorithm"`
	}{
		Domain:      signingDomain,
		ChainID:     a.ChainID,
		Sequence:    a.Sequence,
		ChainHash:   a.ChainHash,
		PublishedAt: a.PublishedAt.UTC().Format(time.RFC3339Nano),
		KeyID:       a.KeyID,
		Algorithm:   string(a.Algorithm),
	})
	return b
}

// Verify checks the anchor's own signature.
func (a *Anchor) Verify(keys *signing.KeyRing) error {
	ok, err := keys.Verify(a.KeyID, a.Algorithm, a.signingInput(), a.Signature)
	if err != nil {
		return fault.Integrity("anchor", a.ChainID, fmt.Errorf("%w: %w", ErrBadAnchorSignature, err))
	}
	if !ok {
		return fault.Integrity("anchor", a.ChainID, ErrBadAnchorSignature)
	}
	return nil
}

// Check verifies a and confirms store still holds the anchored record
// with the anchored chain hash.
func Check(ctx context.Context, store ledger.Store, keys *signing.KeyRing, a *Anchor) error {
	if err := a.Verify(keys); err != nil {
		return err
	}
	rec, err := store.Get(ctx, a.ChainID, a.Sequence)
	if errors.Is(err, ledger.ErrNotFound) {
		return fault.Integrity("anchor", a.ChainID,
			fmt.Errorf("%w: record %d is missing from the store", ErrAnchorMismatch, a.Sequence))
	}
	if err != nil {
		return fault.Storage("anchor", a.ChainID, err)
	}
	if rec.ChainHash != a.ChainHash {
		return fault.Integrity("anchor", a.ChainID,
			fmt.Errorf("%w: record %d has chain hash %.12s, anchored %.12s", ErrAnchorMismatch, a.Sequence, rec.ChainHash, a.ChainHash))
	}
	return nil
}

// Publish anchors the current tail of chainID.
func Publish(ctx context.Context, store ledger.Store, signer signing.Signer, p Publisher, chainID string) (*Anchor, error) {
	tail, err := store.Tail(ctx, chainID)
	if err != nil {
		return nil, fault.Storage("anchor", chainID, err)
	}
	if tail == nil {
		return nil, fmt.Errorf("chain %s has no records to anchor", chainID)
	}
	a, err := New(signer, chainID, *tail, time.Now())
	if err != nil {
		return nil, err
	}
	if err := p.Publish(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func objectName(chainID string, seq uint64) string {
	return fmt.Sprintf("%s/%020d.json", chainID, seq)
}
