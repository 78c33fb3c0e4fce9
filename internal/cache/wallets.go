// Package cache is a redis read-through cache for wallet views served by the
// HTTP API. Entries are dropped when a committed event touches the wallet.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/terminal-bench/multisigledger/internal/ledger"
	"github.com/terminal-bench/multisigledger/shared/events"
)

const keyPrefix = "multisig:wallet:"

// WalletCache serves ledger.AccountReader from redis when it can and from
// the backing reader otherwise. A nil client disables caching.
type WalletCache struct {
	redis  *redis.Client
	reader ledger.AccountReader
	ttl    time.Duration
	logger *zap.Logger
}

var _ ledger.AccountReader = (*WalletCache)(nil)

// NewWalletCache creates a cache in front of reader.
func NewWalletCache(rdb *redis.Client, reader ledger.AccountReader, ttl time.Duration, logger *zap.Logger) *WalletCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletCache{
		redis:  rdb,
		reader: reader,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "wallet_cache")),
	}
}

// NewClient connects to addr. It does not fail when redis is down; the cache
// falls back to the backing reader.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: time.Second,
		ReadTimeout: 500 * time.Millisecond,
	})
}

func key(id ledger.Identity) string { return keyPrefix + string(id) }

// Account returns the wallet, consulting redis first.
func (c *WalletCache) Account(ctx context.Context, id ledger.Identity) (ledger.Account, error) {
	if c.redis != nil {
		cached, err := c.redis.Get(ctx, key(id)).Bytes()
		switch {
		case err == nil:
			var acct ledger.Account
			if json.Unmarshal(cached, &acct) == nil {
				return acct, nil
			}
		case !errors.Is(err, redis.Nil):
			c.logger.Debug("cache read failed", zap.String("wallet", string(id)), zap.Error(err))
		}
	}

	acct, err := c.reader.Account(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}

	if c.redis != nil {
		payload, _ := json.Marshal(acct)
		if err := c.redis.Set(ctx, key(id), payload, c.ttl).Err(); err != nil {
			c.logger.Debug("cache write failed", zap.String("wallet", string(id)), zap.Error(err))
		}
	}
	return acct, nil
}

// History is not cached.
func (c *WalletCache) History(ctx context.Context, id ledger.Identity) ([]ledger.RequestID, error) {
	return c.reader.History(ctx, id)
}

// Invalidate drops the cached views of ids.
func (c *WalletCache) Invalidate(ctx context.Context, ids ...string) error {
	if c.redis == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate %d wallets: %w", len(keys), err)
	}
	return nil
}

// Emit invalidates the wallets an event touched.
func (c *WalletCache) Emit(ctx context.Context, ev events.Event) error {
	return c.Invalidate(ctx, ev.Affected...)
}

// Ping reports whether redis is reachable.
func (c *WalletCache) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Close releases the redis client.
func (c *WalletCache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}
