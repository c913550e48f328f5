package saga

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// CacheOptions tunes the TTL overlay in front of a StateStore.
type CacheOptions struct {
	// EnableCaching gates the whole overlay. Disabled means pure
	// pass-through.
	EnableCaching bool
	// UseLocalCache selects the in-process LRU. Reserved for a future
	// distributed overlay; currently the only backing.
	UseLocalCache bool
	// LocalCacheSizeLimit caps entries. <=0 means unlimited.
	LocalCacheSizeLimit int
	// DefaultCacheTTL applies when neither specific TTL is set.
	DefaultCacheTTL time.Duration
	// ActiveSagaCacheTTL applies while the instance is open. Short,
	// because open sagas mutate.
	ActiveSagaCacheTTL time.Duration
	// CompletedSagaCacheTTL applies to closed instances, which are
	// read-only and safe to cache long.
	CompletedSagaCacheTTL time.Duration
	// InvalidateCacheOnUpdate drops the entry on writes instead of
	// refreshing it.
	InvalidateCacheOnUpdate bool
}

// DefaultCacheOptions mirrors the documented defaults.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		EnableCaching:         true,
		UseLocalCache:         true,
		LocalCacheSizeLimit:   10000,
		DefaultCacheTTL:       5 * time.Minute,
		ActiveSagaCacheTTL:    time.Minute,
		CompletedSagaCacheTTL: time.Hour,
	}
}

type cacheEntry struct {
	sagaID    string
	instance  *Instance
	expiresAt time.Time
	elem      *list.Element
}

// CachedStateStore overlays a TTL cache on a StateStore. The overlay never
// serves a cached closed saga as open or vice versa: the completion flag is
// part of the cached instance and TTL selection keys off it.
type CachedStateStore struct {
	inner StateStore
	opts  CacheOptions
	clock contracts.Clock

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recent
}

// NewCachedStateStore wraps inner. A zero opts disables caching.
func NewCachedStateStore(inner StateStore, opts CacheOptions) *CachedStateStore {
	return &CachedStateStore{
		inner:   inner,
		opts:    opts,
		clock:   contracts.SystemClock,
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
	}
}

func (c *CachedStateStore) ttlFor(inst *Instance) time.Duration {
	if inst.IsCompleted {
		if c.opts.CompletedSagaCacheTTL > 0 {
			return c.opts.CompletedSagaCacheTTL
		}
	} else if c.opts.ActiveSagaCacheTTL > 0 {
		return c.opts.ActiveSagaCacheTTL
	}
	return c.opts.DefaultCacheTTL
}

func (c *CachedStateStore) cacheGet(sagaID string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sagaID]
	if !ok {
		return nil, false
	}
	if c.clock().After(entry.expiresAt) {
		c.lru.Remove(entry.elem)
		delete(c.entries, sagaID)
		return nil, false
	}
	c.lru.MoveToFront(entry.elem)
	return entry.instance.Clone(), true
}

func (c *CachedStateStore) cachePut(inst *Instance) {
	ttl := c.ttlFor(inst)
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[inst.SagaID]; ok {
		entry.instance = inst.Clone()
		entry.expiresAt = c.clock().Add(ttl)
		c.lru.MoveToFront(entry.elem)
		return
	}
	entry := &cacheEntry{
		sagaID:    inst.SagaID,
		instance:  inst.Clone(),
		expiresAt: c.clock().Add(ttl),
	}
	entry.elem = c.lru.PushFront(entry)
	c.entries[inst.SagaID] = entry

	if c.opts.LocalCacheSizeLimit > 0 {
		for len(c.entries) > c.opts.LocalCacheSizeLimit {
			oldest := c.lru.Back()
			if oldest == nil {
				break
			}
			victim := oldest.Value.(*cacheEntry)
			c.lru.Remove(oldest)
			delete(c.entries, victim.sagaID)
		}
	}
}

func (c *CachedStateStore) cacheDrop(sagaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[sagaID]; ok {
		c.lru.Remove(entry.elem)
		delete(c.entries, sagaID)
	}
}

func (c *CachedStateStore) cachingEnabled() bool {
	return c.opts.EnableCaching && c.opts.UseLocalCache
}

// Load implements StateStore.
func (c *CachedStateStore) Load(ctx context.Context, sagaID string) (*Instance, error) {
	if c.cachingEnabled() {
		if inst, ok := c.cacheGet(sagaID); ok {
			return inst, nil
		}
	}
	inst, err := c.inner.Load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if c.cachingEnabled() {
		c.cachePut(inst)
	}
	return inst, nil
}

// Save implements StateStore.
func (c *CachedStateStore) Save(ctx context.Context, instance *Instance) error {
	if err := c.inner.Save(ctx, instance); err != nil {
		return err
	}
	c.afterWrite(instance)
	return nil
}

// UpdateConditional implements StateStore.
func (c *CachedStateStore) UpdateConditional(ctx context.Context, instance *Instance, expectedVersion int64) error {
	if err := c.inner.UpdateConditional(ctx, instance, expectedVersion); err != nil {
		if c.cachingEnabled() {
			// A conflict means the cached copy is stale too.
			c.cacheDrop(instance.SagaID)
		}
		return err
	}
	c.afterWrite(instance)
	return nil
}

func (c *CachedStateStore) afterWrite(instance *Instance) {
	if !c.cachingEnabled() {
		return
	}
	if c.opts.InvalidateCacheOnUpdate {
		c.cacheDrop(instance.SagaID)
		return
	}
	c.cachePut(instance)
}

// ListByType implements StateStore. Listing always hits the inner store.
func (c *CachedStateStore) ListByType(ctx context.Context, sagaType, cursor string, limit int) ([]*Instance, error) {
	return c.inner.ListByType(ctx, sagaType, cursor, limit)
}

// QueryStuck implements StateStore.
func (c *CachedStateStore) QueryStuck(ctx context.Context, threshold time.Duration, limit int) ([]*Instance, error) {
	return c.inner.QueryStuck(ctx, threshold, limit)
}

// QueryFailed implements StateStore.
func (c *CachedStateStore) QueryFailed(ctx context.Context, limit int) ([]*Instance, error) {
	return c.inner.QueryFailed(ctx, limit)
}

// RunningCount implements StateStore.
func (c *CachedStateStore) RunningCount(ctx context.Context, sagaType string) (int, error) {
	return c.inner.RunningCount(ctx, sagaType)
}

// CacheLen reports live entries. Test helper.
func (c *CachedStateStore) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
