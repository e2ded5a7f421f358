package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/complykit/auditledger/internal/fault"
)

func TestAppend_FirstAndSecondRecord(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	first, err := svc.Append(ctx, "org-1", map[string]any{"action": "VIEW", "resource": "patient:42"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.Sequence != 0 {
		t.Errorf("first sequence: expected 0, got %d", first.Sequence)
	}
	if first.PrevHash != GenesisHash {
		t.Errorf("first previous_hash: expected genesis, got %s", first.PrevHash)
	}
	canonical := `{"action":"VIEW","resource":"patient:42"}`
	if string(first.Content) != canonical {
		t.Errorf("content: expected %s, got %s", canonical, first.Content)
	}
	if want := BuildChainHash(GenesisHash, []byte(canonical)); first.ChainHash != want {
		t.Errorf("chain_hash: expected %s, got %s", want, first.ChainHash)
	}
	if first.KeyID != "test-key" || first.Algorithm != "ED25519" {
		t.Errorf("signing metadata: got key=%q alg=%q", first.KeyID, first.Algorithm)
	}
	if res := svc.Verifier().VerifyRecord(first); !res.Valid {
		t.Errorf("first record should verify: %+v", res)
	}

	second, err := svc.Append(ctx, "org-1", map[string]any{"action": "EDIT", "resource": "patient:42"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Sequence != 1 {
		t.Errorf("second sequence: expected 1, got %d", second.Sequence)
	}
	if second.PrevHash != first.ChainHash {
		t.Error("second previous_hash must equal first chain_hash")
	}
}

func TestAppend_ChainsAreIndependent(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	a := appendN(t, svc, "org-a", 3)
	b := appendN(t, svc, "org-b", 1)

	if a[2].Sequence != 2 || b[0].Sequence != 0 {
		t.Errorf("sequences: org-a=%d org-b=%d", a[2].Sequence, b[0].Sequence)
	}
	if b[0].PrevHash != GenesisHash {
		t.Error("each chain starts from genesis")
	}
}

func TestAppend_Concurrent(t *testing.T) {
	tests := []struct {
		name  string
		coord Coordinator
	}{
		{"chain lock", NewLocalCoordinator(10 * time.Second)},
		{"compare-and-swap only", nopCoordinator{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			svc := newTestService(t, store, func(o *Options) {
				o.Coordinator = tt.coord
				o.MaxRetries = 10000
				o.RetryBackoff = time.Microsecond
			})

			const n = 40
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Append(context.Background(), "org-1", map[string]any{"writer": i}, "")
					if err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("append failed: %v", err)
			}

			res, err := svc.Verifier().VerifyChain(context.Background(), "org-1", Range{})
			if err != nil {
				t.Fatal(err)
			}
			if !res.Valid || res.Checked != n {
				t.Errorf("expected valid chain of %d records, got %+v", n, res)
			}
			tail, _ := store.Tail(context.Background(), "org-1")
			if tail == nil || tail.Sequence != n-1 {
				t.Errorf("tail: expected sequence %d, got %+v", n-1, tail)
			}
		})
	}
}

func TestAppend_RetriesOnTailMoved(t *testing.T) {
	store := newFaultyStore()
	store.tailMoves = 2
	svc := newTestService(t, store, func(o *Options) { o.RetryBackoff = time.Millisecond })

	rec, err := svc.Append(context.Background(), "org-1", map[string]any{"a": 1}, "")
	if err != nil {
		t.Fatalf("append should succeed after retries: %v", err)
	}
	if rec.Sequence != 0 {
		t.Errorf("expected sequence 0, got %d", rec.Sequence)
	}
}

func TestAppend_RetriesExhausted(t *testing.T) {
	store := newFaultyStore()
	store.tailMoves = 100
	svc := newTestService(t, store, func(o *Options) {
		o.MaxRetries = 2
		o.RetryBackoff = time.Millisecond
	})

	_, err := svc.Append(context.Background(), "org-1", map[string]any{"a": 1}, "")
	if !errors.Is(err, fault.ErrChainContention) {
		t.Fatalf("expected ErrChainContention, got %v", err)
	}
	if !fault.IsRetryable(err) {
		t.Error("exhausted retries should still be reported as retryable")
	}
}

func TestAppend_LockTimeout(t *testing.T) {
	coord := NewLocalCoordinator(20 * time.Millisecond)
	svc := newTestService(t, NewMemoryStore(), func(o *Options) { o.Coordinator = coord })

	release, err := coord.Acquire(context.Background(), "org-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = svc.Append(context.Background(), "org-1", map[string]any{"a": 1}, "")
	if fault.KindOf(err) != fault.KindContention {
		t.Fatalf("expected contention error, got %v", err)
	}

	// Other chains are not blocked.
	if _, err := svc.Append(context.Background(), "org-2", map[string]any{"a": 1}, ""); err != nil {
		t.Errorf("org-2 append should not be blocked: %v", err)
	}
}

func TestAppend_StorageFaultHaltsChain(t *testing.T) {
	store := newFaultyStore()
	halter := NewMemoryHalter()
	svc := newTestService(t, store, func(o *Options) { o.Halter = halter })

	appendN(t, svc, "org-1", 1)
	store.appendErr = errDiskFull

	_, err := svc.Append(context.Background(), "org-1", map[string]any{"a": 2}, "")
	if !errors.Is(err, fault.ErrStorageFault) || fault.KindOf(err) != fault.KindStorage {
		t.Fatalf("expected storage fault, got %v", err)
	}
	if !halter.IsHalted("org-1") {
		t.Fatal("chain should be halted after a storage fault")
	}

	// Even once storage recovers, appends stay refused until resumed.
	store.appendErr = nil
	_, err = svc.Append(context.Background(), "org-1", map[string]any{"a": 3}, "")
	if !errors.Is(err, fault.ErrChainHalted) {
		t.Fatalf("expected ErrChainHalted, got %v", err)
	}
	if _, err := svc.Append(context.Background(), "org-2", map[string]any{"a": 1}, ""); err != nil {
		t.Errorf("other chains keep working: %v", err)
	}

	halter.Resume("org-1")
	rec, err := svc.Append(context.Background(), "org-1", map[string]any{"a": 4}, "")
	if err != nil {
		t.Fatalf("append after resume: %v", err)
	}
	if rec.Sequence != 1 {
		t.Errorf("no partial record may be visible: expected sequence 1, got %d", rec.Sequence)
	}
}

func TestAppend_PostWriteVerificationHaltsChain(t *testing.T) {
	store := newFaultyStore()
	halter := NewMemoryHalter()
	svc := newTestService(t, store, func(o *Options) { o.Halter = halter })

	store.corrupt = func(r *Record) { r.Content = json.RawMessage(`{"a":999}`) }

	_, err := svc.Append(context.Background(), "org-1", map[string]any{"a": 1}, "")
	if !errors.Is(err, fault.ErrStorageFault) {
		t.Fatalf("expected storage fault, got %v", err)
	}
	if !halter.IsHalted("org-1") {
		t.Error("chain should be halted after post-write verification failure")
	}
}

func TestAppend_SigningFailureIsFatal(t *testing.T) {
	store := NewMemoryStore()
	signer := failingSigner{newTestSigner(t, "k")}
	svc := newTestService(t, store, func(o *Options) { o.Signer = signer })

	_, err := svc.Append(context.Background(), "org-1", map[string]any{"a": 1}, "")
	if !errors.Is(err, fault.ErrSigningKeyUnavailable) {
		t.Fatalf("expected ErrSigningKeyUnavailable, got %v", err)
	}
	if fault.KindOf(err) != fault.KindConfiguration {
		t.Errorf("expected configuration kind, got %v", fault.KindOf(err))
	}
	if tail, _ := store.Tail(context.Background(), "org-1"); tail != nil {
		t.Error("no unsigned record may be written")
	}
}

func TestNewService_RequiresSigner(t *testing.T) {
	_, err := NewService(Options{Store: NewMemoryStore()})
	if !errors.Is(err, fault.ErrSigningKeyUnavailable) {
		t.Errorf("expected ErrSigningKeyUnavailable, got %v", err)
	}
}

func TestAppend_InvalidInput(t *testing.T) {
	obs := &countingObserver{}
	svc := newTestService(t, NewMemoryStore(), func(o *Options) { o.Observer = obs })

	_, err := svc.Append(context.Background(), "", map[string]any{"a": 1}, "")
	if !errors.Is(err, fault.ErrInvalidInput) || fault.KindOf(err) != fault.KindInvalid {
		t.Errorf("empty chain id: expected invalid kind, got %v", err)
	}
	_, err = svc.Append(context.Background(), "org-1", []int{1, 2}, "")
	if !errors.Is(err, ErrInvalidContent) || fault.KindOf(err) != fault.KindInvalid {
		t.Errorf("non-object content: expected invalid ErrInvalidContent, got %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.results["invalid"] != 2 || obs.results["unknown"] != 0 {
		t.Errorf("rejected appends should be counted as invalid, got %v", obs.results)
	}
}

// ctxStore fails tail reads once the caller's context is done, the way
// network-backed stores do.
type ctxStore struct{ *MemoryStore }

func (s ctxStore) Tail(ctx context.Context, chainID string) (*Tail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Tail(ctx, chainID)
}

func TestAppend_ExpiredContextBeforeSigningIsRetryable(t *testing.T) {
	halter := NewMemoryHalter()
	svc := newTestService(t, ctxStore{NewMemoryStore()}, func(o *Options) {
		o.Coordinator = nopCoordinator{}
		o.Halter = halter
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Append(ctx, "org-1", map[string]any{"a": 1}, "")
	if !fault.IsRetryable(err) || !errors.Is(err, fault.ErrChainContention) {
		t.Fatalf("expected retryable contention, got %v", err)
	}
	if halter.IsHalted("org-1") {
		t.Error("an expired wait must not halt the chain")
	}
}

type recordingProtector struct {
	chainID, aad string
}

func (p *recordingProtector) Protect(chainID, aad string, doc map[string]any) (map[string]any, error) {
	p.chainID, p.aad = chainID, aad
	doc["ssn"] = "[protected]"
	return doc, nil
}

func TestAppend_UsesProtector(t *testing.T) {
	p := &recordingProtector{}
	svc := newTestService(t, NewMemoryStore(), func(o *Options) { o.Protector = p })

	rec, err := svc.Append(context.Background(), "org-1", map[string]any{"ssn": "123-45-6789"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if p.chainID != "org-1" || p.aad != "org-1" {
		t.Errorf("protector called with chain=%q aad=%q, aad should default to the chain id", p.chainID, p.aad)
	}
	if string(rec.Content) != `{"ssn":"[protected]"}` {
		t.Errorf("protected content was not hashed: %s", rec.Content)
	}
}

func TestAppend_ObserverCounts(t *testing.T) {
	obs := &countingObserver{}
	store := newFaultyStore()
	store.tailMoves = 1
	svc := newTestService(t, store, func(o *Options) {
		o.Observer = obs
		o.RetryBackoff = time.Millisecond
	})

	appendN(t, svc, "org-1", 2)
	store.appendErr = errDiskFull
	_, _ = svc.Append(context.Background(), "org-1", map[string]any{"a": 1}, "")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.results["success"] != 2 || obs.results["storage"] != 1 {
		t.Errorf("unexpected results: %v", obs.results)
	}
	if obs.conflicts != 1 {
		t.Errorf("expected 1 conflict, got %d", obs.conflicts)
	}
	if obs.halts != 1 {
		t.Errorf("expected 1 halt, got %d", obs.halts)
	}
}

type countingObserver struct {
	mu        sync.Mutex
	results   map[string]int
	conflicts int
	halts     int
	verifies  map[string]int
}

func (o *countingObserver) AppendDone(result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = map[string]int{}
	}
	o.results[result]++
}

func (o *countingObserver) AppendConflict() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts++
}

func (o *countingObserver) ChainHalted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.halts++
}

func (o *countingObserver) VerifyDone(result string, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.verifies == nil {
		o.verifies = map[string]int{}
	}
	o.verifies[result]++
}
