package toolcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcpforge/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticDescriptor(id string) template.Descriptor {
	return template.Descriptor{
		ID: id,
		Tools: []template.Tool{
			{Name: "search", Description: "search the index"},
			{Name: "fetch", Description: "fetch a document"},
		},
	}
}

func resolverFor(descs map[string]template.Descriptor) func(string) (template.Descriptor, error) {
	return func(id string) (template.Descriptor, error) {
		d, ok := descs[id]
		if !ok {
			return template.Descriptor{}, assertableNotFound{id}
		}
		return d, nil
	}
}

type assertableNotFound struct{ id string }

func (e assertableNotFound) Error() string { return "template not found: " + e.id }

func TestDiscoverFallsBackToStaticWhenNoInstancesOrSpawner(t *testing.T) {
	resolver := resolverFor(map[string]template.Descriptor{"demo": staticDescriptor("demo")})
	m := NewManager(nil, resolver, nil, nil)

	result, err := m.Discover(context.Background(), "demo", time.Now())
	require.NoError(t, err)
	assert.Equal(t, MethodStatic, result.Method)
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "search", result.Tools[0].Name)
}

func TestDiscoverCachesAfterFirstResolve(t *testing.T) {
	var calls int32
	resolver := func(id string) (template.Descriptor, error) {
		atomic.AddInt32(&calls, 1)
		return staticDescriptor(id), nil
	}
	m := NewManager(nil, resolver, nil, nil)

	now := time.Now()
	_, err := m.Discover(context.Background(), "demo", now)
	require.NoError(t, err)
	_, err = m.Discover(context.Background(), "demo", now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second Discover within TTL must hit cache, not re-resolve")
}

func TestDiscoverSecondCallReturnsMethodCache(t *testing.T) {
	resolver := resolverFor(map[string]template.Descriptor{"demo": staticDescriptor("demo")})
	m := NewManager(nil, resolver, nil, nil)

	now := time.Now()
	first, err := m.Discover(context.Background(), "demo", now)
	require.NoError(t, err)
	assert.Equal(t, MethodStatic, first.Method)

	second, err := m.Discover(context.Background(), "demo", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, MethodCache, second.Method)
}

func TestInvalidateForcesReresolve(t *testing.T) {
	var calls int32
	resolver := func(id string) (template.Descriptor, error) {
		atomic.AddInt32(&calls, 1)
		return staticDescriptor(id), nil
	}
	m := NewManager(nil, resolver, nil, nil)

	now := time.Now()
	_, err := m.Discover(context.Background(), "demo", now)
	require.NoError(t, err)

	m.Invalidate("demo")

	_, err = m.Discover(context.Background(), "demo", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDiscoverUnknownTemplatePropagatesResolverError(t *testing.T) {
	resolver := resolverFor(map[string]template.Descriptor{})
	m := NewManager(nil, resolver, nil, nil)

	_, err := m.Discover(context.Background(), "missing", time.Now())
	require.Error(t, err)
}

func TestConcurrentDiscoverCoalescesIntoOneResolve(t *testing.T) {
	var calls int32
	resolver := func(id string) (template.Descriptor, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return staticDescriptor(id), nil
	}
	m := NewManager(nil, resolver, nil, nil)

	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Discover(context.Background(), "demo", now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent Discover calls for the same template must coalesce via singleflight")
}

func TestShardedMapStoreGetSetDelete(t *testing.T) {
	s := NewShardedMapStore()
	_, ok := s.Get("demo")
	assert.False(t, ok)

	entry := CacheEntry{Method: MethodStatic, Source: "static", Timestamp: time.Now(), TTL: time.Hour}
	s.Set("demo", entry)

	got, ok := s.Get("demo")
	require.True(t, ok)
	assert.Equal(t, MethodStatic, got.Method)

	s.Delete("demo")
	_, ok = s.Get("demo")
	assert.False(t, ok)
}

func TestCacheEntryWithinStaleWindow(t *testing.T) {
	now := time.Now()
	entry := CacheEntry{Timestamp: now.Add(-55 * time.Minute), TTL: time.Hour}
	assert.True(t, entry.Fresh(now))
	assert.True(t, entry.WithinStaleWindow(now), "55m into a 60m TTL is within the final 10%% window")

	fresh := CacheEntry{Timestamp: now.Add(-1 * time.Minute), TTL: time.Hour}
	assert.False(t, fresh.WithinStaleWindow(now))
}
