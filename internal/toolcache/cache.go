package toolcache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// CacheEntry is the stored unit for one template id: the tool set, how
// it was discovered, and when.
type CacheEntry struct {
	Tools     []mcp.Tool
	Method    Method
	Source    string
	Timestamp time.Time
	TTL       time.Duration
}

// Fresh reports whether now-e.Timestamp < e.TTL.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.Timestamp) < e.TTL
}

// WithinStaleWindow reports whether the entry is fresh but inside the
// final 10% of its TTL, the window in which a hit still triggers a
// background revalidate.
func (e CacheEntry) WithinStaleWindow(now time.Time) bool {
	if !e.Fresh(now) {
		return false
	}
	age := now.Sub(e.Timestamp)
	return float64(age) >= float64(e.TTL)*(1-staleFraction)
}

// extend pushes Timestamp forward by RevalidateGrace without changing the
// cached tools, used when a background revalidate attempt fails so the
// refresh is retried on the next access.
func (e CacheEntry) extend() CacheEntry {
	e.Timestamp = e.Timestamp.Add(RevalidateGrace)
	return e
}

// Store is the pluggable cache backing. Implementations must be safe for
// concurrent calls, including on the same key: Manager reads entries
// outside singleflight, and a background revalidate may write an entry
// while a foreground Discover reads it.
type Store interface {
	Get(templateID string) (CacheEntry, bool)
	Set(templateID string, entry CacheEntry)
	Delete(templateID string)
}

const shardCount = 32

// ShardedMapStore is the default in-process Store: a fixed number of
// independently-locked map shards, keyed by an fnv hash of the template
// id, so concurrent discovery across templates rarely contends.
type ShardedMapStore struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewShardedMapStore returns an empty ShardedMapStore.
func NewShardedMapStore() *ShardedMapStore {
	s := &ShardedMapStore{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]CacheEntry)
	}
	return s
}

func (s *ShardedMapStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *ShardedMapStore) Get(templateID string) (CacheEntry, bool) {
	sh := s.shardFor(templateID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[templateID]
	return e, ok
}

func (s *ShardedMapStore) Set(templateID string, entry CacheEntry) {
	sh := s.shardFor(templateID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[templateID] = entry
}

func (s *ShardedMapStore) Delete(templateID string) {
	sh := s.shardFor(templateID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, templateID)
}
