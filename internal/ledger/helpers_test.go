package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/complykit/auditledger/internal/signing"
)

func newTestSigner(t *testing.T, keyID string) signing.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := signing.NewSigner(priv, keyID)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestService(t *testing.T, store Store, mutate ...func(*Options)) *Service {
	t.Helper()
	opts := Options{
		Store:  store,
		Signer: newTestSigner(t, "test-key"),
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func appendN(t *testing.T, svc *Service, chainID string, n int) []*Record {
	t.Helper()
	var recs []*Record
	for i := 0; i < n; i++ {
		rec, err := svc.Append(context.Background(), chainID, map[string]any{"action": "VIEW", "n": i}, "")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		recs = append(recs, rec)
	}
	return recs
}

// faultyStore wraps MemoryStore with injectable failures.
type faultyStore struct {
	*MemoryStore

	mu        sync.Mutex
	tailMoves int
	appendErr error
	corrupt   func(*Record)
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore()}
}

func (f *faultyStore) Append(ctx context.Context, rec *Record, expected *Tail) error {
	f.mu.Lock()
	if f.tailMoves > 0 {
		f.tailMoves--
		f.mu.Unlock()
		return ErrTailMoved
	}
	err := f.appendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Append(ctx, rec, expected)
}

func (f *faultyStore) Get(ctx context.Context, chainID string, seq uint64) (*Record, error) {
	rec, err := f.MemoryStore.Get(ctx, chainID, seq)
	f.mu.Lock()
	corrupt := f.corrupt
	f.mu.Unlock()
	if err == nil && corrupt != nil {
		corrupt(rec)
	}
	return rec, err
}

var errDiskFull = errors.New("disk full")

// nopCoordinator grants every request, leaving ordering to the store's
// compare-and-swap.
type nopCoordinator struct{}

func (nopCoordinator) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

type failingSigner struct{ signing.Signer }

func (failingSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("hsm offline") }
