// Package enrichcache caches §4.8 provider lookups in Redis so repeat
// fingerprint/title lookups within a TTL window don't re-hit rate-limited
// providers. Grounded on StreetsDigital-tnevideo's internal/cache/cache.go
// (JSON-marshal-then-SETEX against a Redis client, keyed with a component
// prefix) but split into a positive TTL (successful identifier lookups) and
// a shorter negative TTL (confirmed misses), since a provider miss is worth
// remembering for less time than a hit.
package enrichcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scholarr/ingestion/internal/model"
)

const (
	keyPrefix    = "scholarr:enrich:"
	negativeMark = "__miss__"
)

// Cache wraps a redis client with the provider-lookup caching shape §4.8
// expects.
type Cache struct {
	rdb         *redis.Client
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// New constructs a Cache. positiveTTL governs successful lookups,
// negativeTTL governs cached misses.
func New(rdb *redis.Client, positiveTTL, negativeTTL time.Duration) *Cache {
	return &Cache{rdb: rdb, positiveTTL: positiveTTL, negativeTTL: negativeTTL}
}

func cacheKey(provider, lookupKey string) string {
	return keyPrefix + provider + ":" + lookupKey
}

// Lookup returns a cached result for (provider, lookupKey). found is false
// when there is no cache entry at all (caller should call the provider);
// negative is true when the cached entry is a remembered miss.
func (c *Cache) Lookup(ctx context.Context, provider, lookupKey string) (ids model.Identifiers, found bool, negative bool, err error) {
	raw, err := c.rdb.Get(ctx, cacheKey(provider, lookupKey)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Identifiers{}, false, false, nil
	}
	if err != nil {
		return model.Identifiers{}, false, false, fmt.Errorf("enrichcache: lookup: %w", err)
	}
	if raw == negativeMark {
		return model.Identifiers{}, true, true, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return model.Identifiers{}, false, false, fmt.Errorf("enrichcache: decode: %w", err)
	}
	return ids, true, false, nil
}

// StorePositive caches a successful provider lookup.
func (c *Cache) StorePositive(ctx context.Context, provider, lookupKey string, ids model.Identifiers) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("enrichcache: encode: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(provider, lookupKey), data, c.positiveTTL).Err(); err != nil {
		return fmt.Errorf("enrichcache: store positive: %w", err)
	}
	return nil
}

// StoreNegative remembers that provider had nothing for lookupKey, so the
// next scan within negativeTTL skips the network call.
func (c *Cache) StoreNegative(ctx context.Context, provider, lookupKey string) error {
	if err := c.rdb.Set(ctx, cacheKey(provider, lookupKey), negativeMark, c.negativeTTL).Err(); err != nil {
		return fmt.Errorf("enrichcache: store negative: %w", err)
	}
	return nil
}
