// Package urlcache resolves fresh signed URLs for stored blobs.
//
// The row-persisted URL and expiry are a cache, never authoritative data: a
// stale or missing URL is repaired on read by re-signing the blob path. A
// Redis layer fronts the row cache so hot sessions do not re-sign on every
// request; entries are stored with a TTL that ends before the URL expires, so
// any Redis hit is still valid.
package urlcache

import (
	"context"
	"time"

	"saga-server/internal/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// refreshMargin is how long before expiry a cached URL is already treated as
// stale. It covers clock skew and the time the client needs to actually use
// the URL.
const refreshMargin = 5 * time.Minute

const keyPrefix = "signedurl:"

// PersistFunc writes a refreshed URL and expiry back to the owning row.
type PersistFunc func(ctx context.Context, url string, expiresAt time.Time) error

// Cache is the signed-URL resolver. The Redis client is optional; with a nil
// client the cache degrades to row lookups plus re-signing.
type Cache struct {
	redis  *redis.Client
	store  storage.BlobStore
	ttl    time.Duration
	logger *zap.Logger
}

func New(redisClient *redis.Client, store storage.BlobStore, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		redis:  redisClient,
		store:  store,
		ttl:    ttl,
		logger: logger.Named("URLCache"),
	}
}

// Resolve returns a signed URL for path that is valid for at least
// refreshMargin from now. cachedURL and cachedExpiresAt are the values
// persisted on the row; when they are stale a fresh URL is minted and written
// back through persist. A persistence failure is logged, not returned: the
// caller still gets a usable URL and the row is repaired on a later read.
func (c *Cache) Resolve(ctx context.Context, path string, cachedURL *string, cachedExpiresAt *time.Time, persist PersistFunc) (string, error) {
	if path == "" {
		return "", nil
	}

	if cachedURL != nil && cachedExpiresAt != nil && time.Until(*cachedExpiresAt) > refreshMargin {
		return *cachedURL, nil
	}

	if c.redis != nil {
		cached, err := c.redis.Get(ctx, keyPrefix+path).Result()
		if err == nil {
			return cached, nil
		}
		if err != redis.Nil {
			c.logger.Warn("Redis lookup failed, re-signing", zap.String("path", path), zap.Error(err))
		}
	}

	signed, err := c.store.Sign(path, c.ttl)
	if err != nil {
		return "", err
	}

	if persist != nil {
		if err := persist(ctx, signed.URL, signed.ExpiresAt); err != nil {
			c.logger.Warn("Failed to persist refreshed signed URL",
				zap.String("path", path),
				zap.Error(err))
		}
	}

	if c.redis != nil {
		redisTTL := time.Until(signed.ExpiresAt) - refreshMargin
		if redisTTL > 0 {
			if err := c.redis.Set(ctx, keyPrefix+path, signed.URL, redisTTL).Err(); err != nil {
				c.logger.Warn("Failed to cache signed URL in Redis",
					zap.String("path", path),
					zap.Error(err))
			}
		}
	}

	return signed.URL, nil
}
