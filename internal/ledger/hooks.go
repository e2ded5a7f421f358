package ledger

import (
	"sync"
	"time"
)

// Halter records chains that must not accept appends until an operator
// has verified them and resumed them.
type Halter interface {
	IsHalted(chainID string) bool
	Halt(chainID, reason string) error
}

// Protector rewrites sensitive fields of record content before it is
// hashed, typically by replacing them with encrypted blobs.
type Protector interface {
	Protect(chainID, aadContext string, doc map[string]any) (map[string]any, error)
}

// Observer receives ledger events for metrics. Result labels are
// "success" or a fault kind name.
type Observer interface {
	AppendDone(result string, d time.Duration)
	AppendConflict()
	ChainHalted()
	VerifyDone(result string, records int)
}

// Checkpoint is a position up to which a chain has been fully verified.
type Checkpoint struct {
	ChainID    string    `json:"chain_id" yaml:"-"`
	Sequence   uint64    `json:"sequence" yaml:"sequence"`
	ChainHash  string    `json:"chain_hash" yaml:"chain_hash"`
	VerifiedAt time.Time `json:"verified_at" yaml:"verified_at"`
}

// CheckpointStore persists verification checkpoints.
type CheckpointStore interface {
	Load(chainID string) (Checkpoint, bool, error)
	Save(cp Checkpoint) error
}

// MemoryHalter is an in-process Halter.
type MemoryHalter struct {
	mu     sync.RWMutex
	halted map[string]string
}

func NewMemoryHalter() *MemoryHalter {
	return &MemoryHalter{halted: make(map[string]string)}
}

func (h *MemoryHalter) IsHalted(chainID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.halted[chainID]
	return ok
}

func (h *MemoryHalter) Halt(chainID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halted[chainID] = reason
	return nil
}

// Resume clears a halt.
func (h *MemoryHalter) Resume(chainID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.halted, chainID)
}

// MemoryCheckpoints is an in-process CheckpointStore.
type MemoryCheckpoints struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpoints) Load(chainID string) (Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.cps[chainID]
	return cp, ok, nil
}

func (m *MemoryCheckpoints) Save(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.ChainID] = cp
	return nil
}

type nopObserver struct{}

func (nopObserver) AppendDone(string, time.Duration) {}
func (nopObserver) AppendConflict()                  {}
func (nopObserver) ChainHalted()                     {}
func (nopObserver) VerifyDone(string, int)           {}
