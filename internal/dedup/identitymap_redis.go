package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-dedup/internal/storage"
)

// DefaultIdentityHash is the Redis hash holding key → product_id bindings.
const DefaultIdentityHash = "catalog_dedup:identities"

// RedisHashClient is the subset of the Redis client the identity map uses.
type RedisHashClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
}

// RedisIdentityMap shares bindings between loader processes. HSETNX makes the
// first claimant win; everyone else reads back its product_id.
type RedisIdentityMap struct {
	client RedisHashClient
	hash   string
}

func NewRedisIdentityMap(client RedisHashClient, hash string) *RedisIdentityMap {
	if hash == "" {
		hash = DefaultIdentityHash
	}
	return &RedisIdentityMap{client: client, hash: hash}
}

// Lookup and Claim report Redis failures as storage.ErrUnavailable so the
// pipeline retries the batch.
func (m *RedisIdentityMap) Lookup(ctx context.Context, key Key) (string, bool, error) {
	id, err := m.client.HGet(ctx, m.hash, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up identity: %w: %w", storage.ErrUnavailable, err)
	}
	return id, true, nil
}

func (m *RedisIdentityMap) Claim(ctx context.Context, key Key, productID string) (string, error) {
	set, err := m.client.HSetNX(ctx, m.hash, key.String(), productID).Result()
	if err != nil {
		return "", fmt.Errorf("failed to claim identity: %w: %w", storage.ErrUnavailable, err)
	}
	if set {
		return productID, nil
	}

	winner, found, err := m.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("identity %s vanished after claim", key)
	}
	return winner, nil
}
