package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/complykit/auditledger/internal/fault"
)

// DefaultAcquireTimeout bounds how long an append waits for a chain.
const DefaultAcquireTimeout = 5 * time.Second

// Coordinator grants exclusive append rights on a chain. Distinct chains
// never block each other.
type Coordinator interface {
	// Acquire blocks until the caller holds chainID or the wait bound or
	// ctx expires, in which case it returns a contention error wrapping
	// fault.ErrChainContention. The returned release func is idempotent.
	Acquire(ctx context.Context, chainID string) (release func(), err error)
}

// LocalCoordinator serializes appends within one process with a
// single-slot channel per chain.
type LocalCoordinator struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

// NewLocalCoordinator returns a coordinator that waits at most wait for a
// chain. A non-positive wait means DefaultAcquireTimeout.
func NewLocalCoordinator(wait time.Duration) *LocalCoordinator {
	if wait <= 0 {
		wait = DefaultAcquireTimeout
	}
	return &LocalCoordinator{slots: make(map[string]chan struct{}), wait: wait}
}

func (c *LocalCoordinator) slot(chainID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[chainID]
	if !ok {
		s = make(chan struct{}, 1)
		c.slots[chainID] = s
	}
	return s
}

func (c *LocalCoordinator) Acquire(ctx context.Context, chainID string) (func(), error) {
	s := c.slot(chainID)

	timer := time.NewTimer(c.wait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-timer.C:
		return nil, fault.Contention("acquire", chainID,
			fmt.Errorf("%w: lock not acquired within %s", fault.ErrChainContention, c.wait))
	case <-ctx.Done():
		return nil, fault.Contention("acquire", chainID,
			fmt.Errorf("%w: %v", fault.ErrChainContention, ctx.Err()))
	}
}
