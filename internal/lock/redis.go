// Package lock provides a ledger.Coordinator shared between processes,
// backed by Redis.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/ledger"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 25 * time.Millisecond
	keyPrefix           = "auditledger:chain-lock:"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config tunes a RedisCoordinator. Zero values take defaults.
type Config struct {
	// TTL expires a lock whose holder died. It must exceed the longest
	// append; the store's tail check still rejects a writer that outlived
	// its lock.
	TTL          time.Duration
	Wait         time.Duration
	PollInterval time.Duration
}

// RedisCoordinator grants per-chain locks with SET NX PX.
type RedisCoordinator struct {
	client redis.UniversalClient
	cfg    Config
}

var _ ledger.Coordinator = (*RedisCoordinator)(nil)

func NewRedisCoordinator(client redis.UniversalClient, cfg Config) *RedisCoordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = ledger.DefaultAcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &RedisCoordinator{client: client, cfg: cfg}
}

func (c *RedisCoordinator) Acquire(ctx context.Context, chainID string) (func(), error) {
	key := keyPrefix + chainID
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Wait)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := c.client.SetNX(ctx, key, token, c.cfg.TTL).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fault.Storage("acquire", chainID, fmt.Errorf("redis lock: %w", err))
		}
		if ok {
			return c.releaser(key, token, chainID), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fault.Contention("acquire", chainID,
				fmt.Errorf("%w: lock not acquired within %s", fault.ErrChainContention, c.cfg.Wait))
		}
	}
}

func (c *RedisCoordinator) releaser(key, token, chainID string) func() {
	var once sync.Once
	return func() { once.Do(func() { c.release(key, token, chainID) }) }
}

func (c *RedisCoordinator) release(key, token, chainID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, c.client, []string{key}, token).Err(); err != nil {
		// The lock expires by TTL.
		slog.Warn("releasing chain lock failed", "chain", chainID, "error", err)
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
