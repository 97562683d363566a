// Package idempotency implements the cross-cutting idempotency cache:
// client-supplied keys on write
// requests replay the cached response verbatim until expiry. Backed by
// Redis so a cached response survives across any instance in a fleet,
// not just the process that first served the request.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catbird-chat/ds/internal/dserr"
)

// DefaultTTL is the cache lifetime absent an endpoint-specific
// override.
const DefaultTTL = time.Hour

// Entry is a cached response, keyed by the client-supplied idempotency
// key.
type Entry struct {
	Endpoint     string `json:"endpoint"`
	ResponseBody []byte `json:"response_body"`
	StatusCode   int    `json:"status_code"`
}

// Cache stores and replays idempotency-keyed responses.
type Cache struct {
	redis *redis.Client
}

func New(redisClient *redis.Client) *Cache {
	return &Cache{redis: redisClient}
}

func cacheKey(key string) string { return "idempotency:" + key }

// Get returns the cached entry for key, or (nil, false) on a cache miss
// (including the key having expired).
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := c.redis.Get(ctx, cacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dserr.Wrap(dserr.KindInternal, "reading idempotency cache", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, dserr.Wrap(dserr.KindInternal, "decoding cached idempotency entry", err)
	}
	return &e, true, nil
}

// Put stores entry under key for ttl (DefaultTTL if ttl <= 0). Uses
// SET NX so two concurrent retries of the same write race to populate
// the cache exactly once; the loser's write is simply discarded, and
// both callers observe the first writer's response on their next Get.
func (c *Cache) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "encoding idempotency entry", err)
	}
	if err := c.redis.SetNX(ctx, cacheKey(key), raw, ttl).Err(); err != nil {
		return dserr.Wrap(dserr.KindInternal, "writing idempotency cache", err)
	}
	return nil
}
