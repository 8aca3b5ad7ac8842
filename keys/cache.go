package keys

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/mickamy/peertransit"
)

// Cache holds recipients' public keys between sends.
type Cache interface {
	Get(ctx context.Context, recipient string) (peertransit.PublicKey, bool, error)
	Set(ctx context.Context, recipient string, key peertransit.PublicKey, ttl time.Duration) error
	Delete(ctx context.Context, recipient string) error
}

// localCacheSize is the number of entries kept in the in-process TinyLFU tier.
const localCacheSize = 10000

const keyPrefix = "peertransit:pubkey:"

type cachedKey struct {
	Key       []byte
	CRC       uint32
	ExpiresAt time.Time
}

// RedisCache is a two-tier cache: TinyLFU in process, redis behind it.
type RedisCache struct {
	cache *cache.Cache
}

// NewRedisCache caches in redis and keeps hot keys locally for localTTL.
func NewRedisCache(client redis.UniversalClient, localTTL time.Duration) *RedisCache {
	return &RedisCache{cache: cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(localCacheSize, localTTL),
	})}
}

// NewLocalCache keeps keys in process only.
func NewLocalCache(ttl time.Duration) *RedisCache {
	return &RedisCache{cache: cache.New(&cache.Options{
		LocalCache: cache.NewTinyLFU(localCacheSize, ttl),
	})}
}

func (r *RedisCache) Get(ctx context.Context, recipient string) (peertransit.PublicKey, bool, error) {
	var entry cachedKey
	err := r.cache.Get(ctx, keyPrefix+recipient, &entry)
	if errors.Is(err, cache.ErrCacheMiss) {
		return peertransit.PublicKey{}, false, nil
	}
	if err != nil {
		return peertransit.PublicKey{}, false, err
	}
	return peertransit.PublicKey{Key: entry.Key, CRC: entry.CRC, ExpiresAt: entry.ExpiresAt}, true, nil
}

func (r *RedisCache) Set(ctx context.Context, recipient string, key peertransit.PublicKey, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   keyPrefix + recipient,
		Value: cachedKey{Key: key.Key, CRC: key.CRC, ExpiresAt: key.ExpiresAt},
		TTL:   ttl,
	})
}

func (r *RedisCache) Delete(ctx context.Context, recipient string) error {
	err := r.cache.Delete(ctx, keyPrefix+recipient)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
