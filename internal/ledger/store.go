package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrTailMoved means the chain tail changed between read and write.
	// The append is retried from the tail read.
	ErrTailMoved = errors.New("chain tail moved")
	// ErrNotFound means no record exists at the requested position.
	ErrNotFound = errors.New("record not found")
	// ErrStopScan ends a Scan early without error.
	ErrStopScan = errors.New("stop scan")
)

// Store is the durable home of ledger records. Implementations must be
// append-only: nothing may update or delete a stored record.
type Store interface {
	// Tail returns the chain's last committed position, or nil for an
	// empty chain.
	Tail(ctx context.Context, chainID string) (*Tail, error)

	// Append writes rec and advances the tail in one atomic step, but only
	// if the current tail still equals expected (nil: chain empty). On a
	// mismatch nothing is written and ErrTailMoved is returned.
	Append(ctx context.Context, rec *Record, expected *Tail) error

	// Get returns the record at seq or ErrNotFound.
	Get(ctx context.Context, chainID string, seq uint64) (*Record, error)

	// Scan calls fn for every record with Sequence >= from in ascending
	// order. Returning ErrStopScan from fn ends the scan with a nil error.
	Scan(ctx context.Context, chainID string, from uint64, fn func(*Record) error) error

	// Chains lists every chain with at least one record.
	Chains(ctx context.Context) ([]string, error)

	Close() error
}

// CheckExpected validates that rec extends expected and returns
// ErrTailMoved if current differs from expected. Shared by Store
// implementations.
func CheckExpected(rec *Record, expected, current *Tail) error {
	switch {
	case expected == nil && current != nil:
		return fmt.Errorf("%w: chain %s already has records", ErrTailMoved, rec.ChainID)
	case expected != nil && current == nil:
		return fmt.Errorf("%w: chain %s is empty", ErrTailMoved, rec.ChainID)
	case expected != nil && *expected != *current:
		return fmt.Errorf("%w: chain %s tail is %d, expected %d", ErrTailMoved, rec.ChainID, current.Sequence, expected.Sequence)
	}

	wantSeq, wantPrev := uint64(0), GenesisHash
	if expected != nil {
		wantSeq, wantPrev = expected.Sequence+1, expected.ChainHash
	}
	if rec.Sequence != wantSeq || rec.PrevHash != wantPrev {
		return fmt.Errorf("record %d does not extend tail of chain %s", rec.Sequence, rec.ChainID)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and embedded use.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Record
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]*Record)}
}

func (m *MemoryStore) Tail(_ context.Context, chainID string) (*Tail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errStoreClosed
	}
	return m.tailLocked(chainID), nil
}

func (m *MemoryStore) tailLocked(chainID string) *Tail {
	recs := m.chains[chainID]
	if len(recs) == 0 {
		return nil
	}
	t := TailOf(recs[len(recs)-1])
	return &t
}

func (m *MemoryStore) Append(_ context.Context, rec *Record, expected *Tail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errStoreClosed
	}
	if err := CheckExpected(rec, expected, m.tailLocked(rec.ChainID)); err != nil {
		return err
	}
	m.chains[rec.ChainID] = append(m.chains[rec.ChainID], rec.Clone())
	return nil
}

func (m *MemoryStore) Get(_ context.Context, chainID string, seq uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errStoreClosed
	}
	recs := m.chains[chainID]
	i := searchSeq(recs, seq)
	if i == len(recs) || recs[i].Sequence != seq {
		return nil, fmt.Errorf("%w: %s #%d", ErrNotFound, chainID, seq)
	}
	return recs[i].Clone(), nil
}

// searchSeq returns the index of the first record with Sequence >= seq.
func searchSeq(recs []*Record, seq uint64) int {
	return sort.Search(len(recs), func(i int) bool { return recs[i].Sequence >= seq })
}

func (m *MemoryStore) Scan(ctx context.Context, chainID string, from uint64, fn func(*Record) error) error {
	// Snapshot under the lock so fn may call back into the store.
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errStoreClosed
	}
	recs := m.chains[chainID]
	snapshot := append([]*Record(nil), recs[searchSeq(recs, from):]...)
	m.mu.RUnlock()

	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.Clone()); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Chains(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.chains))
	for id := range m.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Tamper overwrites a stored record in place. It exists so tests of the
// verifier can simulate corruption below the Store contract.
func (m *MemoryStore) Tamper(chainID string, seq uint64, mutate func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.chains[chainID]
	if i := searchSeq(recs, seq); i < len(recs) && recs[i].Sequence == seq {
		mutate(recs[i])
	}
}

// Drop removes a record, leaving a gap. Test-only, like Tamper.
func (m *MemoryStore) Drop(chainID string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.chains[chainID]
	if i := searchSeq(recs, seq); i < len(recs) && recs[i].Sequence == seq {
		m.chains[chainID] = append(recs[:i:i], recs[i+1:]...)
	}
}

var errStoreClosed = errors.New("store closed")
