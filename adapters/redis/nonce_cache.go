// Package redis provides adapters backed by a redis client.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceCache tracks, per signer address, the next nonce TransactionManager
// should allocate. TransactionManager.PollNonce treats the cached value as an
// additional lower bound: it still reads the chain and the Postgres store on
// every call and takes the max, so a stale or missing cache entry self-heals.
type NonceCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewNonceCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *NonceCache {
	return &NonceCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

// AllocateNext atomically allocates and returns the next nonce for signer.
func (r *NonceCache) AllocateNext(ctx context.Context, signer string) (uint64, error) {
	nonce, err := r.client.Incr(ctx, r.keyPrefix+signer).Result()
	if err != nil {
		return 0, err
	}
	// ignore expiry error: worst case the key lives until overwritten by Reset
	_ = r.client.Expire(ctx, r.keyPrefix+signer, r.expireDuration).Err()
	return uint64(nonce) - 1, nil
}

// Reset forces the cached next-nonce for signer. TransactionManager's
// SendTransaction calls it after every persisted broadcast with the
// broadcast nonce + 1.
func (r *NonceCache) Reset(ctx context.Context, signer string, next uint64) error {
	return r.client.Set(ctx, r.keyPrefix+signer, next, r.expireDuration).Err()
}

// Peek returns the next nonce the cache would hand out without allocating it.
func (r *NonceCache) Peek(ctx context.Context, signer string) (uint64, error) {
	nonce, err := r.client.Get(ctx, r.keyPrefix+signer).Int64()
	if err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}
