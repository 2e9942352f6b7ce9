package toolcache

import (
	"context"
	"encoding/json"
	"time"

	"mcpforge/pkg/platformerrors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mcpforge:toolcache:"

// redisEntry is CacheEntry's wire form: Timestamp/TTL travel alongside the
// tools so WithinStaleWindow still works after a round trip through Redis,
// instead of relying solely on Redis's own key expiry. mcp.Tool already has
// stable JSON tags (it is itself MCP wire protocol data), so it is reused
// directly rather than shadowed.
type redisEntry struct {
	Tools     []mcp.Tool    `json:"tools"`
	Method    Method        `json:"method"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

// RedisStore is the optional shared Store for multi-replica gateway
// deployments: discovered tool sets are visible to every replica instead
// of re-probed per process.
type RedisStore struct {
	client *redis.Client
	ttlPad time.Duration
}

// NewRedisStore wraps an already-configured *redis.Client. ttlPad is added
// to each entry's own TTL when setting the key's Redis expiry, so a stale
// entry still readable for stale-while-revalidate purposes isn't evicted by
// Redis before the in-process TTL logic has a chance to see it.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttlPad: RevalidateGrace}
}

func (r *RedisStore) Get(templateID string) (CacheEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := r.client.Get(ctx, redisKeyPrefix+templateID).Bytes()
	if err == redis.Nil {
		return CacheEntry{}, false
	}
	if err != nil {
		return CacheEntry{}, false
	}

	var wire redisEntry
	if err := json.Unmarshal(raw, &wire); err != nil {
		return CacheEntry{}, false
	}
	return CacheEntry{
		Tools:     wire.Tools,
		Method:    wire.Method,
		Source:    wire.Source,
		Timestamp: wire.Timestamp,
		TTL:       wire.TTL,
	}, true
}

func (r *RedisStore) Set(templateID string, entry CacheEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wire := redisEntry{Tools: entry.Tools, Method: entry.Method, Source: entry.Source, Timestamp: entry.Timestamp, TTL: entry.TTL}
	payload, err := json.Marshal(wire)
	if err != nil {
		return
	}
	r.client.Set(ctx, redisKeyPrefix+templateID, payload, entry.TTL+r.ttlPad)
}

func (r *RedisStore) Delete(templateID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.client.Del(ctx, redisKeyPrefix+templateID)
}

// Ping verifies connectivity at startup, failing fast when an optional
// external dependency is configured but unreachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "redis toolcache store unreachable")
	}
	return nil
}
