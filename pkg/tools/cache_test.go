package tools_test

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchrt/tooldispatch/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemoteCache struct {
	entries map[string]*tools.CacheEntry
}

func newFakeRemoteCache() *fakeRemoteCache {
	return &fakeRemoteCache{entries: make(map[string]*tools.CacheEntry)}
}

func (f *fakeRemoteCache) Get(ctx context.Context, key string) (*tools.CacheEntry, bool, error) {
	e, ok := f.entries[key]
	return e, ok, nil
}

func (f *fakeRemoteCache) Set(ctx context.Context, key string, entry *tools.CacheEntry) error {
	f.entries[key] = entry
	return nil
}

func (f *fakeRemoteCache) Del(ctx context.Context, key string) error {
	delete(f.entries, key)
	return nil
}

func (f *fakeRemoteCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	for k := range f.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeRemoteCache) FlushAll(ctx context.Context) error {
	f.entries = make(map[string]*tools.CacheEntry)
	return nil
}

func TestCache_SetAndGet(t *testing.T) {
	c := tools.NewCache(10, nil)
	defer c.Shutdown()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "value-a", 0))

	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "value-a", v)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := tools.NewCache(10, nil, tools.WithSweepInterval(time.Hour))
	defer c.Shutdown()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "value-a", 1))
	time.Sleep(1100 * time.Millisecond)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "expired entries must be treated as absent")
}

func TestCache_RemoteFallbackAndPromotion(t *testing.T) {
	remote := newFakeRemoteCache()
	c := tools.NewCache(10, nil, tools.WithRemoteCache(remote))
	defer c.Shutdown()
	ctx := context.Background()

	require.NoError(t, remote.Set(ctx, "b", &tools.CacheEntry{Value: "from-remote", StoredAt: time.Now()}))

	v, ok := c.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, "from-remote", v)

	stats := c.Stats()
	assert.Equal(t, 1, stats.MemorySize, "a remote hit should be warm-promoted into the local tier")
}

func TestCache_Invalidate(t *testing.T) {
	c := tools.NewCache(10, nil)
	defer c.Shutdown()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "user:1", "a", 0))
	require.NoError(t, c.Set(ctx, "user:2", "b", 0))
	require.NoError(t, c.Set(ctx, "order:1", "c", 0))

	require.NoError(t, c.Invalidate(ctx, "user:*"))

	_, ok1 := c.Get(ctx, "user:1")
	_, ok2 := c.Get(ctx, "user:2")
	_, ok3 := c.Get(ctx, "order:1")
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
}

func TestCache_Clear(t *testing.T) {
	c := tools.NewCache(10, nil)
	defer c.Shutdown()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", 0))
	require.NoError(t, c.Clear(ctx))

	assert.Equal(t, 0, c.Stats().MemorySize)
}

func TestCache_Stats(t *testing.T) {
	c := tools.NewCache(4, nil)
	defer c.Shutdown()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", 0))
	require.NoError(t, c.Set(ctx, "b", "2", 0))

	stats := c.Stats()
	assert.Equal(t, 2, stats.MemorySize)
	assert.Equal(t, 4, stats.MaxEntries)
	assert.Equal(t, 50.0, stats.UtilizationPercent)
	assert.Equal(t, "memory", stats.Tier)
}
