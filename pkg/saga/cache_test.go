package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps MemoryStateStore and counts inner loads.
type countingStore struct {
	*MemoryStateStore
	mu    sync.Mutex
	loads int
}

func (c *countingStore) Load(ctx context.Context, sagaID string) (*Instance, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.MemoryStateStore.Load(ctx, sagaID)
}

func (c *countingStore) loadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func newCachedFixture(opts CacheOptions) (*CachedStateStore, *countingStore) {
	inner := &countingStore{MemoryStateStore: NewMemoryStateStore()}
	return NewCachedStateStore(inner, opts), inner
}

func TestCachedStore_SecondLoadServedFromCache(t *testing.T) {
	cached, inner := newCachedFixture(DefaultCacheOptions())
	ctx := context.Background()

	require.NoError(t, cached.Save(ctx, newInstance("s1")))

	_, err := cached.Load(ctx, "s1")
	require.NoError(t, err)
	_, err = cached.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, inner.loadCount(), "save refreshed the cache, loads never hit the store")
}

func TestCachedStore_DisabledCachingPassesThrough(t *testing.T) {
	opts := DefaultCacheOptions()
	opts.EnableCaching = false
	cached, inner := newCachedFixture(opts)
	ctx := context.Background()

	require.NoError(t, cached.Save(ctx, newInstance("s1")))
	_, err := cached.Load(ctx, "s1")
	require.NoError(t, err)
	_, err = cached.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.loadCount())
}

func TestCachedStore_ActiveTTLExpires(t *testing.T) {
	opts := DefaultCacheOptions()
	cached, inner := newCachedFixture(opts)
	now := time.Now()
	cached.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cached.Save(ctx, newInstance("s1")))

	// Within the 1m active TTL: cache hit.
	now = now.Add(30 * time.Second)
	_, err := cached.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, inner.loadCount())

	// Past the active TTL: cache miss.
	now = now.Add(45 * time.Second)
	_, err = cached.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.loadCount())
}

func TestCachedStore_CompletedUsesLongTTL(t *testing.T) {
	opts := DefaultCacheOptions()
	cached, inner := newCachedFixture(opts)
	now := time.Now()
	cached.clock = func() time.Time { return now }
	ctx := context.Background()

	completedAt := now
	inst := newInstance("s1")
	inst.IsCompleted = true
	inst.CompletedAt = &completedAt
	require.NoError(t, cached.Save(ctx, inst))

	// Well past the active TTL but inside the 1h completed TTL.
	now = now.Add(30 * time.Minute)
	loaded, err := cached.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, inner.loadCount())
	assert.True(t, loaded.IsCompleted, "cached completion flag must be accurate")
}

func TestCachedStore_InvalidateOnUpdateDropsEntry(t *testing.T) {
	opts := DefaultCacheOptions()
	opts.InvalidateCacheOnUpdate = true
	cached, inner := newCachedFixture(opts)
	ctx := context.Background()

	inst := newInstance("s1")
	require.NoError(t, cached.Save(ctx, inst))
	assert.Zero(t, cached.CacheLen())

	_, err := cached.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.loadCount())
	assert.Equal(t, 1, cached.CacheLen())
}

func TestCachedStore_ConflictDropsStaleEntry(t *testing.T) {
	cached, _ := newCachedFixture(DefaultCacheOptions())
	ctx := context.Background()

	inst := newInstance("s1")
	require.NoError(t, cached.Save(ctx, inst))

	stale := inst.Clone()
	require.NoError(t, cached.UpdateConditional(ctx, inst, inst.Version))

	err := cached.UpdateConditional(ctx, stale, stale.Version-1)
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Zero(t, cached.CacheLen(), "conflict must evict the cached copy")
}

func TestCachedStore_SizeLimitEvictsOldest(t *testing.T) {
	opts := DefaultCacheOptions()
	opts.LocalCacheSizeLimit = 2
	cached, inner := newCachedFixture(opts)
	ctx := context.Background()

	require.NoError(t, cached.Save(ctx, newInstance("a")))
	require.NoError(t, cached.Save(ctx, newInstance("b")))
	require.NoError(t, cached.Save(ctx, newInstance("c")))
	assert.Equal(t, 2, cached.CacheLen())

	// "a" was evicted; loading it hits the inner store.
	_, err := cached.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.loadCount())
}
