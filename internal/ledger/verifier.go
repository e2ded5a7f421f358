package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/signing"
)

// Reason explains why a record or chain failed verification.
type Reason string

const (
	ReasonContentHashMismatch Reason = "content_hash_mismatch"
	ReasonSignatureInvalid    Reason = "signature_invalid"
	ReasonMalformedSignature  Reason = "malformed_signature"
	ReasonUnknownKey          Reason = "unknown_key"
	ReasonBrokenLink          Reason = "broken_link"
	ReasonSequenceGap         Reason = "sequence_gap"
	ReasonCheckpointMismatch  Reason = "checkpoint_mismatch"
	ReasonTailMismatch        Reason = "tail_mismatch"
)

// RecordResult is the outcome of checking one record in isolation. Hash
// and signature are checked independently so both failures show up.
type RecordResult struct {
	Valid          bool     `json:"valid"`
	HashValid      bool     `json:"hash_valid"`
	SignatureValid bool     `json:"signature_valid"`
	Reasons        []Reason `json:"reasons,omitempty"`
	ExpectedHash   string   `json:"expected_hash,omitempty"`
	Detail         string   `json:"detail,omitempty"`
}

// Reason returns the first failure reason, or "" for a valid record.
func (r RecordResult) Reason() Reason {
	if len(r.Reasons) == 0 {
		return ""
	}
	return r.Reasons[0]
}

// Range bounds a chain verification. Nil bounds are open.
type Range struct {
	From *uint64
	To   *uint64
}

// ChainResult is the outcome of a chain walk. FirstBrokenSequence is set
// only when Valid is false.
type ChainResult struct {
	ChainID             string      `json:"chain_id"`
	Valid               bool        `json:"valid"`
	Checked             int         `json:"checked"`
	FirstBrokenSequence *uint64     `json:"first_broken_sequence,omitempty"`
	Reason              Reason      `json:"reason,omitempty"`
	Detail              string      `json:"detail,omitempty"`
	LastVerified        *Tail       `json:"last_verified,omitempty"`
	ResumedFrom         *Checkpoint `json:"resumed_from,omitempty"`
}

// VerifierConfig wires a Verifier. Checkpoints and Observer are optional.
type VerifierConfig struct {
	Store       Store
	Keys        *signing.KeyRing
	Checkpoints CheckpointStore
	Observer    Observer
}

// Verifier recomputes hashes and checks signatures. It never repairs or
// skips past a break.
type Verifier struct {
	store       Store
	keys        *signing.KeyRing
	checkpoints CheckpointStore
	observer    Observer
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	v := &Verifier{
		store:       cfg.Store,
		keys:        cfg.Keys,
		checkpoints: cfg.Checkpoints,
		observer:    cfg.Observer,
	}
	if v.keys == nil {
		v.keys = signing.NewKeyRing()
	}
	if v.observer == nil {
		v.observer = nopObserver{}
	}
	return v
}

// VerifyRecord recomputes rec's chain hash from its stored previous hash
// and content, then verifies its signature with the key named by KeyID.
func (v *Verifier) VerifyRecord(rec *Record) RecordResult {
	var res RecordResult

	expected := BuildChainHash(rec.PrevHash, rec.Content)
	res.HashValid = expected == rec.ChainHash
	if !res.HashValid {
		res.ExpectedHash = expected
		res.Reasons = append(res.Reasons, ReasonContentHashMismatch)
	}

	ok, err := v.keys.Verify(rec.KeyID, rec.Algorithm, SigningInput(rec), rec.Signature)
	switch {
	case errors.Is(err, fault.ErrUnknownKey):
		res.Reasons = append(res.Reasons, ReasonUnknownKey)
		res.Detail = err.Error()
	case err != nil:
		res.Reasons = append(res.Reasons, ReasonMalformedSignature)
		res.Detail = err.Error()
	case !ok:
		res.Reasons = append(res.Reasons, ReasonSignatureInvalid)
	default:
		res.SignatureValid = true
	}

	res.Valid = res.HashValid && res.SignatureValid
	return res
}

// VerifyChain walks chainID in sequence order, checking contiguity,
// linkage and every record. With no From bound it resumes after the last
// checkpoint, if one exists and still matches the stored record. A clean
// walk to the tail advances the checkpoint.
func (v *Verifier) VerifyChain(ctx context.Context, chainID string, r Range) (ChainResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.VerifyChain", trace.WithAttributes(
		attribute.String("ledger.chain_id", chainID),
	))
	defer span.End()

	res, err := v.verifyChain(ctx, chainID, r)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		v.observer.VerifyDone("error", res.Checked)
	case res.Valid:
		v.observer.VerifyDone("valid", res.Checked)
	default:
		span.SetStatus(codes.Error, string(res.Reason))
		v.observer.VerifyDone("invalid", res.Checked)
		slog.Warn("ledger chain verification failed", "chain", chainID,
			"sequence", *res.FirstBrokenSequence, "reason", res.Reason)
	}
	return res, err
}

func (v *Verifier) verifyChain(ctx context.Context, chainID string, r Range) (ChainResult, error) {
	res := ChainResult{ChainID: chainID}
	broken := func(seq uint64, reason Reason, detail string) (ChainResult, error) {
		res.Valid = false
		res.FirstBrokenSequence = &seq
		res.Reason = reason
		res.Detail = detail
		return res, nil
	}
	storageErr := func(err error) (ChainResult, error) {
		return res, fault.Storage("verify", chainID, err)
	}

	nextSeq, prevHash := uint64(0), GenesisHash

	switch {
	case r.From != nil && *r.From > 0:
		nextSeq = *r.From
		pred, err := v.store.Get(ctx, chainID, nextSeq-1)
		if errors.Is(err, ErrNotFound) {
			tail, terr := v.store.Tail(ctx, chainID)
			if terr != nil {
				return storageErr(terr)
			}
			if tail == nil || tail.Sequence < nextSeq {
				res.Valid = true
				return res, nil
			}
			return broken(nextSeq-1, ReasonSequenceGap, "predecessor of range start is missing")
		}
		if err != nil {
			return storageErr(err)
		}
		prevHash = pred.ChainHash

	case r.From == nil && v.checkpoints != nil:
		cp, ok, err := v.checkpoints.Load(chainID)
		if err != nil {
			return res, fmt.Errorf("loading checkpoint for %s: %w", chainID, err)
		}
		if ok {
			rec, err := v.store.Get(ctx, chainID, cp.Sequence)
			if errors.Is(err, ErrNotFound) {
				return broken(cp.Sequence, ReasonCheckpointMismatch, "checkpointed record is missing")
			}
			if err != nil {
				return storageErr(err)
			}
			if rec.ChainHash != cp.ChainHash {
				return broken(cp.Sequence, ReasonCheckpointMismatch, "stored hash differs from checkpoint")
			}
			if rr := v.VerifyRecord(rec); !rr.Valid {
				return broken(cp.Sequence, rr.Reason(), rr.Detail)
			}
			res.ResumedFrom = &cp
			t := TailOf(rec)
			res.LastVerified = &t
			nextSeq, prevHash = cp.Sequence+1, cp.ChainHash
		}
	}

	if r.To != nil && *r.To < nextSeq {
		res.Valid = true
		return res, nil
	}

	var (
		failed bool
		out    ChainResult
	)
	err := v.store.Scan(ctx, chainID, nextSeq, func(rec *Record) error {
		if r.To != nil && rec.Sequence > *r.To {
			return ErrStopScan
		}
		if rec.Sequence != nextSeq {
			failed = true
			out, _ = broken(nextSeq, ReasonSequenceGap,
				fmt.Sprintf("expected sequence %d, found %d", nextSeq, rec.Sequence))
			return ErrStopScan
		}
		if rec.PrevHash != prevHash {
			failed = true
			out, _ = broken(rec.Sequence, ReasonBrokenLink, "previous_hash does not match prior chain_hash")
			return ErrStopScan
		}
		if rr := v.VerifyRecord(rec); !rr.Valid {
			failed = true
			out, _ = broken(rec.Sequence, rr.Reason(), rr.Detail)
			return ErrStopScan
		}
		prevHash = rec.ChainHash
		nextSeq++
		res.Checked++
		t := TailOf(rec)
		res.LastVerified = &t
		return nil
	})
	if err != nil {
		return storageErr(err)
	}
	if failed {
		out.Checked = res.Checked
		out.LastVerified = res.LastVerified
		out.ResumedFrom = res.ResumedFrom
		return out, nil
	}

	// A bounded walk stops short of the tail; only an open-ended one can
	// compare against it.
	if r.To != nil {
		res.Valid = true
		return res, nil
	}

	tail, err := v.store.Tail(ctx, chainID)
	if err != nil {
		return storageErr(err)
	}
	if !tailMatches(tail, res.LastVerified) {
		seq := nextSeq
		if tail != nil && res.LastVerified != nil && tail.Sequence <= res.LastVerified.Sequence {
			seq = tail.Sequence + 1
			if tail.Sequence == res.LastVerified.Sequence {
				seq = tail.Sequence
			}
		}
		return broken(seq, ReasonTailMismatch, "tail pointer disagrees with last record")
	}

	res.Valid = true
	if v.checkpoints != nil && r.From == nil && res.Checked > 0 {
		cp := Checkpoint{
			ChainID:    chainID,
			Sequence:   res.LastVerified.Sequence,
			ChainHash:  res.LastVerified.ChainHash,
			VerifiedAt: time.Now().UTC(),
		}
		if err := v.checkpoints.Save(cp); err != nil {
			slog.Error("failed to save verification checkpoint", "chain", chainID, "error", err)
		}
	}
	return res, nil
}

func tailMatches(tail, last *Tail) bool {
	if tail == nil || last == nil {
		return tail == nil && last == nil
	}
	return *tail == *last
}

// VerifyAll verifies every chain in the store with up to concurrency
// chains in flight. Used as the recovery sweep after a restart.
func (v *Verifier) VerifyAll(ctx context.Context, concurrency int) ([]ChainResult, error) {
	chains, err := v.store.Chains(ctx)
	if err != nil {
		return nil, fault.Storage("verify", "", err)
	}
	if concurrency < 1 {
		concurrency = 4
	}

	results := make([]ChainResult, len(chains))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, id := range chains {
		g.Go(func() error {
			res, err := v.VerifyChain(gctx, id, Range{})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
