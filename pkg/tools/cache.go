package tools

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// CacheEntry is a single stored value with its TTL bookkeeping (§3).
// An entry is live iff TTLSeconds == 0 (no expiry) or now - StoredAt <=
// TTLSeconds.
type CacheEntry struct {
	Value      interface{}
	StoredAt   time.Time
	TTLSeconds int
	TierOrigin string // "memory" or "remote", for stats/debugging only
}

func (e *CacheEntry) live(now time.Time) bool {
	if e.TTLSeconds == 0 {
		return true
	}
	return now.Sub(e.StoredAt) <= time.Duration(e.TTLSeconds)*time.Second
}

// RemoteCache is the interface a remote cache tier must satisfy. It is
// deliberately narrow so production code can back it with
// github.com/redis/go-redis/v9 and tests can back it with an in-memory fake.
type RemoteCache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *CacheEntry) error
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	FlushAll(ctx context.Context) error
}

// CacheStats is returned by Cache.Stats.
type CacheStats struct {
	MemorySize        int     `json:"memory_size"`
	MaxEntries        int     `json:"max_entries"`
	UtilizationPercent float64 `json:"utilization_percent"`
	Tier              string  `json:"tier"`
	RemoteConnected   bool    `json:"remote_connected"`
}

// Cache is the two-tier cache layer (§4.6): a bounded local tier that is
// always present, plus an optional remote tier consulted on local miss and
// warm-promoted on remote hit.
type Cache struct {
	mu    sync.Mutex
	local *lru.Cache[string, *CacheEntry]

	maxEntries int
	remote     RemoteCache

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once

	logger *zap.Logger
}

// CacheOption configures a Cache at construction time.
type CacheOption func(*Cache)

// WithRemoteCache attaches a remote tier.
func WithRemoteCache(remote RemoteCache) CacheOption {
	return func(c *Cache) { c.remote = remote }
}

// WithSweepInterval overrides the default 60s sweep period.
func WithSweepInterval(d time.Duration) CacheOption {
	return func(c *Cache) { c.sweepInterval = d }
}

// NewCache constructs a Cache with a bounded local tier of maxEntries
// (default 10000 if <= 0) and starts its background sweeper.
func NewCache(maxEntries int, logger *zap.Logger, opts ...CacheOption) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	local, _ := lru.New[string, *CacheEntry](maxEntries)

	c := &Cache{
		local:         local,
		maxEntries:    maxEntries,
		sweepInterval: 60 * time.Second,
		stopSweep:     make(chan struct{}),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.sweepLoop()
	return c
}

// Get looks up key: local tier first, then the remote tier (warm-promoting
// a remote hit into the local tier). Expired entries are treated as
// absent (I-C1).
func (c *Cache) Get(ctx context.Context, key string) (interface{}, bool) {
	c.mu.Lock()
	entry, ok := c.local.Get(key)
	c.mu.Unlock()

	if ok {
		if entry.live(time.Now()) {
			return entry.Value, true
		}
		c.mu.Lock()
		c.local.Remove(key)
		c.mu.Unlock()
	}

	if c.remote == nil {
		return nil, false
	}

	remoteEntry, found, err := c.remote.Get(ctx, key)
	if err != nil || !found {
		return nil, false
	}
	if !remoteEntry.live(time.Now()) {
		return nil, false
	}

	remoteEntry.TierOrigin = "remote"
	c.mu.Lock()
	c.local.Add(key, remoteEntry)
	c.mu.Unlock()

	return remoteEntry.Value, true
}

// Set writes value under key with the given TTL (0 = no expiry), write-
// through to both tiers. After Set returns, the local tier's size never
// exceeds MaxEntries (I-C2) since the underlying LRU evicts the
// least-recently-used entry on overflow.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttlSeconds int) error {
	entry := &CacheEntry{
		Value:      value,
		StoredAt:   time.Now(),
		TTLSeconds: ttlSeconds,
		TierOrigin: "memory",
	}

	c.mu.Lock()
	c.local.Add(key, entry)
	c.mu.Unlock()

	if c.remote != nil {
		return c.remote.Set(ctx, key, entry)
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.local.Remove(key)
	c.mu.Unlock()

	if c.remote != nil {
		return c.remote.Del(ctx, key)
	}
	return nil
}

// Invalidate removes every key matching a shell-glob pattern restricted to
// a trailing '*' (e.g. "a:*" matches every key with prefix "a:", per I-C3).
func (c *Cache) Invalidate(ctx context.Context, pattern string) error {
	prefix, wildcard := splitGlobPrefix(pattern)

	c.mu.Lock()
	for _, key := range c.local.Keys() {
		if matchesGlob(key, prefix, wildcard) {
			c.local.Remove(key)
		}
	}
	c.mu.Unlock()

	if c.remote == nil {
		return nil
	}
	keys, err := c.remote.Keys(ctx, pattern)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.remote.Del(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties the local tier and, if present, the remote tier.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.local.Purge()
	c.mu.Unlock()

	if c.remote != nil {
		return c.remote.FlushAll(ctx)
	}
	return nil
}

// Stats reports the local tier's size, capacity, and utilization.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	size := c.local.Len()
	c.mu.Unlock()

	tier := "memory"
	if c.remote != nil {
		tier = "hybrid"
	}

	return CacheStats{
		MemorySize:         size,
		MaxEntries:         c.maxEntries,
		UtilizationPercent: 100 * float64(size) / float64(c.maxEntries),
		Tier:               tier,
		RemoteConnected:    c.remote != nil,
	}
}

// Shutdown stops the background sweeper.
func (c *Cache) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopSweep) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.local.Keys() {
		entry, ok := c.local.Peek(key)
		if ok && !entry.live(now) {
			c.local.Remove(key)
		}
	}
}

// splitGlobPrefix reduces a shell-glob pattern to a prefix match, per the
// design note adapting shell-glob invalidation to a simple prefix match.
func splitGlobPrefix(pattern string) (prefix string, wildcard bool) {
	if idx := strings.IndexByte(pattern, '*'); idx >= 0 {
		return pattern[:idx], true
	}
	return pattern, false
}

func matchesGlob(key, prefix string, wildcard bool) bool {
	if !wildcard {
		return key == prefix
	}
	return strings.HasPrefix(key, prefix)
}
