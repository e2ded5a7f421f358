package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/signing"
)

const (
	DefaultMaxRetries   = 5
	DefaultRetryBackoff = 10 * time.Millisecond
)

var tracer = otel.Tracer("auditledger/ledger")

// Options configures a Service. Store and Signer are required.
type Options struct {
	Store  Store
	Signer signing.Signer
	// Keys verifies records after they are written. The signer's public
	// key is added to it if missing.
	Keys        *signing.KeyRing
	Coordinator Coordinator
	Halter      Halter
	Protector   Protector
	Checkpoints CheckpointStore
	Observer    Observer

	// MaxRetries bounds how often an append restarts after losing the
	// tail to a concurrent writer.
	MaxRetries   int
	RetryBackoff time.Duration
	Now          func() time.Time
}

// Service appends records to chains. It is safe for concurrent use.
type Service struct {
	store     Store
	signer    signing.Signer
	coord     Coordinator
	halter    Halter
	protector Protector
	observer  Observer
	verifier  *Verifier
	retries   int
	backoff   time.Duration
	now       func() time.Time
}

// NewService validates opts and fills defaults. A missing signer is a
// configuration error: the ledger never writes unsigned records.
func NewService(opts Options) (*Service, error) {
	if opts.Signer == nil {
		return nil, fault.Configuration("ledger", fmt.Errorf("%w: no signer configured", fault.ErrSigningKeyUnavailable))
	}
	if opts.Store == nil {
		return nil, fault.Configuration("ledger", errors.New("no store configured"))
	}

	keys := opts.Keys
	if keys == nil {
		keys = signing.NewKeyRing()
	}
	if _, ok := keys.Lookup(opts.Signer.KeyID()); !ok {
		keys.Add(opts.Signer.KeyID(), opts.Signer.Public())
	}

	s := &Service{
		store:     opts.Store,
		signer:    opts.Signer,
		coord:     opts.Coordinator,
		halter:    opts.Halter,
		protector: opts.Protector,
		observer:  opts.Observer,
		retries:   opts.MaxRetries,
		backoff:   opts.RetryBackoff,
		now:       opts.Now,
	}
	if s.coord == nil {
		s.coord = NewLocalCoordinator(0)
	}
	if s.halter == nil {
		s.halter = NewMemoryHalter()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.retries <= 0 {
		s.retries = DefaultMaxRetries
	}
	if s.backoff <= 0 {
		s.backoff = DefaultRetryBackoff
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.verifier = NewVerifier(VerifierConfig{
		Store:       opts.Store,
		Keys:        keys,
		Checkpoints: opts.Checkpoints,
		Observer:    s.observer,
	})
	return s, nil
}

// Verifier returns the verifier sharing this service's store and keys.
func (s *Service) Verifier() *Verifier { return s.verifier }

// Append canonicalizes content, links it to the chain tail, signs it and
// persists it. aadContext binds any field encryption to its use; empty
// means chainID.
//
// Failures carry a fault kind: invalid (rejected input), contention
// (retryable), configuration (signing key unusable), or storage (chain
// halted). Once a record has been signed the write is not cancellable;
// ctx only bounds waiting for the chain.
func (s *Service) Append(ctx context.Context, chainID string, content any, aadContext string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("ledger.chain_id", chainID),
	))
	defer span.End()

	start := time.Now()
	rec, err := s.append(ctx, chainID, content, aadContext)

	result := "success"
	if err != nil {
		result = fault.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int64("ledger.sequence", int64(rec.Sequence)))
	}
	s.observer.AppendDone(result, time.Since(start))
	return rec, err
}

func (s *Service) append(ctx context.Context, chainID string, content any, aadContext string) (*Record, error) {
	if chainID == "" {
		return nil, fault.Invalid("append", "", fmt.Errorf("%w: chain id must not be empty", fault.ErrInvalidInput))
	}
	if s.halter.IsHalted(chainID) {
		return nil, fault.Storage("append", chainID, fault.ErrChainHalted)
	}
	if aadContext == "" {
		aadContext = chainID
	}

	doc, err := decodeObject(content)
	if err != nil {
		return nil, fault.Invalid("append", chainID, err)
	}
	if s.protector != nil {
		if doc, err = s.protector.Protect(chainID, aadContext, doc); err != nil {
			if fault.KindOf(err) == fault.KindUnknown {
				err = fault.Invalid("append", chainID, err)
			}
			return nil, err
		}
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fault.Invalid("append", chainID, fmt.Errorf("encoding content: %w", err))
	}

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.backoff*time.Duration(attempt)); err != nil {
				return nil, fault.Contention("append", chainID, fmt.Errorf("%w: %v", fault.ErrChainContention, err))
			}
		}

		release, err := s.coord.Acquire(ctx, chainID)
		if err != nil {
			return nil, err
		}
		rec, err := s.appendLocked(ctx, chainID, canonical)
		release()

		if errors.Is(err, ErrTailMoved) {
			s.observer.AppendConflict()
			slog.Debug("chain tail moved, retrying append", "chain", chainID, "attempt", attempt+1)
			continue
		}
		return rec, err
	}
	return nil, fault.Contention("append", chainID,
		fmt.Errorf("%w: tail moved on %d attempts", fault.ErrChainContention, s.retries+1))
}

// appendLocked runs the read-tail, sign, persist, re-verify sequence.
// The caller holds the chain.
func (s *Service) appendLocked(ctx context.Context, chainID string, canonical []byte) (*Record, error) {
	// Another writer may have halted the chain while we waited.
	if s.halter.IsHalted(chainID) {
		return nil, fault.Storage("append", chainID, fault.ErrChainHalted)
	}

	tail, err := s.store.Tail(ctx, chainID)
	if err != nil {
		// Nothing is signed yet, so running out of time here is a wait
		// that expired, not a broken store.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fault.Contention("append", chainID, fmt.Errorf("%w: reading tail: %v", fault.ErrChainContention, ctxErr))
		}
		return nil, fault.Storage("append", chainID, fmt.Errorf("reading tail: %w", err))
	}

	rec := &Record{
		ID:        uuid.New(),
		ChainID:   chainID,
		Sequence:  0,
		Content:   canonical,
		PrevHash:  GenesisHash,
		KeyID:     s.signer.KeyID(),
		Algorithm: s.signer.Algorithm(),
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	if tail != nil {
		rec.Sequence = tail.Sequence + 1
		rec.PrevHash = tail.ChainHash
	}
	rec.ChainHash = BuildChainHash(rec.PrevHash, canonical)

	sig, err := s.signer.Sign(SigningInput(rec))
	if err != nil {
		if fault.KindOf(err) == fault.KindUnknown {
			err = fault.Configuration("sign", fmt.Errorf("%w: %v", fault.ErrSigningKeyUnavailable, err))
		}
		slog.Error("signing failed, append refused", "chain", chainID, "key_id", rec.KeyID, "error", err)
		return nil, err
	}
	rec.Signature = sig

	// From here on the record is signed; finish regardless of ctx.
	persistCtx := context.WithoutCancel(ctx)

	if err := s.store.Append(persistCtx, rec, tail); err != nil {
		if errors.Is(err, ErrTailMoved) {
			return nil, err
		}
		s.halt(chainID, fmt.Sprintf("write of record %d failed after signing: %v", rec.Sequence, err))
		return nil, fault.Storage("append", chainID, fmt.Errorf("%w: %v", fault.ErrStorageFault, err))
	}

	stored, err := s.store.Get(persistCtx, chainID, rec.Sequence)
	if err != nil {
		s.halt(chainID, fmt.Sprintf("record %d unreadable after write: %v", rec.Sequence, err))
		return nil, fault.Storage("append", chainID, fmt.Errorf("%w: read-back failed: %v", fault.ErrStorageFault, err))
	}
	if reason := s.postWriteCheck(rec, stored); reason != "" {
		s.halt(chainID, fmt.Sprintf("record %d failed post-write verification: %s", rec.Sequence, reason))
		return nil, fault.Storage("append", chainID,
			fmt.Errorf("%w: post-write verification failed: %s", fault.ErrStorageFault, reason))
	}

	slog.Debug("ledger record appended", "chain", chainID, "seq", rec.Sequence, "hash", rec.ChainHash[:12])
	return stored, nil
}

// postWriteCheck confirms the stored record is the one we signed and
// that it verifies on its own. Returns "" when it does.
func (s *Service) postWriteCheck(want, got *Record) string {
	switch {
	case got.ID != want.ID:
		return "record id differs"
	case got.PrevHash != want.PrevHash:
		return string(ReasonBrokenLink)
	case got.ChainHash != want.ChainHash, !bytes.Equal(got.Content, want.Content):
		return string(ReasonContentHashMismatch)
	case !bytes.Equal(got.Signature, want.Signature):
		return string(ReasonSignatureInvalid)
	}
	res := s.verifier.VerifyRecord(got)
	if !res.Valid {
		return string(res.Reason())
	}
	return ""
}

func (s *Service) halt(chainID, reason string) {
	slog.Error("halting chain", "chain", chainID, "reason", reason)
	s.observer.ChainHalted()
	if err := s.halter.Halt(chainID, reason); err != nil {
		slog.Error("failed to persist chain halt", "chain", chainID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
