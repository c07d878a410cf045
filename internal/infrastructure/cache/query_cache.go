package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueryCacheConfig bounds the in-process query cache.
type QueryCacheConfig struct {
	MaxSizeMB     int           // memory cap across all entries
	MaxKeys       int           // entry count cap
	DefaultTTL    time.Duration // applied when Set gets ttl <= 0
	SweepInterval time.Duration // periodic expired-entry sweep
}

// DefaultQueryCacheConfig returns production defaults.
func DefaultQueryCacheConfig() QueryCacheConfig {
	return QueryCacheConfig{
		MaxSizeMB:     100,
		MaxKeys:       1000,
		DefaultTTL:    5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// CacheEntry is one cached query result. Size is the marshaled payload size;
// the cache never serves an entry past ExpiresAt.
type CacheEntry struct {
	Key        string
	Value      []byte
	ExpiresAt  time.Time
	SizeBytes  int
	LastAccess time.Time
}

// QueryCacheStats is the observable state of the cache.
type QueryCacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRatio      float64 `json:"hit_ratio"`
	TotalKeys     int     `json:"total_keys"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	Evictions     int64   `json:"evictions"`
	Expirations   int64   `json:"expirations"`
	Invalidations int64   `json:"invalidations"`
}

// QueryCache is a bounded LRU cache with per-entry TTL for query results.
// get/set/evict are O(1) via a doubly-linked list plus hashmap. Expired
// entries are dropped lazily on read and by a periodic sweep. All methods
// are safe for concurrent use.
type QueryCache struct {
	mu      sync.Mutex
	config  QueryCacheConfig
	logger  *zap.Logger
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	size    int64      // total SizeBytes across entries

	hits          int64
	misses        int64
	evictions     int64
	expirations   int64
	invalidations int64

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewQueryCache creates a query cache with the given bounds.
func NewQueryCache(cfg QueryCacheConfig, logger *zap.Logger) *QueryCache {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultQueryCacheConfig().MaxSizeMB
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultQueryCacheConfig().MaxKeys
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultQueryCacheConfig().DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultQueryCacheConfig().SweepInterval
	}

	return &QueryCache{
		config:    cfg,
		logger:    logger,
		entries:   make(map[string]*list.Element),
		lru:       list.New(),
		sweepStop: make(chan struct{}),
	}
}

// StartSweeper launches the periodic expiry sweep. It stops when ctx is
// canceled or Close is called.
func (c *QueryCache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				removed := c.sweepExpired(time.Now())
				if removed > 0 {
					c.logger.Debug("query cache sweep",
						zap.Int("expired_entries", removed))
				}
			case <-ctx.Done():
				return
			case <-c.sweepStop:
				return
			}
		}
	}()
}

// Close stops the sweeper. The cache remains usable afterwards.
func (c *QueryCache) Close() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
}

// Get returns the cached payload for key, or ok=false on miss or expiry.
func (c *QueryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[key]
	if !found {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*CacheEntry)
	if time.Now().After(entry.ExpiresAt) {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		return nil, false
	}

	entry.LastAccess = time.Now()
	c.lru.MoveToFront(elem)
	c.hits++
	return entry.Value, true
}

// GetJSON unmarshals a cached payload into dest.
func (c *QueryCache) GetJSON(key string, dest interface{}) bool {
	data, ok := c.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		// A corrupt entry is dropped rather than served.
		c.Remove(key)
		c.logger.Warn("dropping corrupt cache entry",
			zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set stores value under key. ttl <= 0 uses the default. Oversized values
// (larger than the whole cache budget) are refused silently: caching is
// best-effort.
func (c *QueryCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	maxBytes := c.maxBytes()
	if int64(len(value)) > maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if elem, found := c.entries[key]; found {
		entry := elem.Value.(*CacheEntry)
		c.size += int64(len(value)) - int64(entry.SizeBytes)
		entry.Value = value
		entry.SizeBytes = len(value)
		entry.ExpiresAt = now.Add(ttl)
		entry.LastAccess = now
		c.lru.MoveToFront(elem)
	} else {
		entry := &CacheEntry{
			Key:        key,
			Value:      value,
			ExpiresAt:  now.Add(ttl),
			SizeBytes:  len(value),
			LastAccess: now,
		}
		c.entries[key] = c.lru.PushFront(entry)
		c.size += int64(len(value))
	}

	c.evictOverflow(maxBytes)
}

// SetJSON marshals value and stores it under key.
func (c *QueryCache) SetJSON(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.Set(key, data, ttl)
	return nil
}

// Remove drops a single key. Returns whether it was present.
func (c *QueryCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[key]
	if !found {
		return false
	}
	c.removeElement(elem)
	return true
}

// Invalidate removes every entry whose key matches the glob pattern and
// returns how many were dropped.
func (c *QueryCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			// Bad pattern matches nothing.
			return 0
		}
		if matched {
			c.removeElement(elem)
			removed++
		}
	}
	c.invalidations += int64(removed)
	return removed
}

// Clear drops all entries.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.size = 0
}

// Stats returns a snapshot of cache health.
func (c *QueryCache) Stats() QueryCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}

	return QueryCacheStats{
		Hits:          c.hits,
		Misses:        c.misses,
		HitRatio:      ratio,
		TotalKeys:     len(c.entries),
		MemoryUsageMB: float64(c.size) / (1024 * 1024),
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		Invalidations: c.invalidations,
	}
}

// SizeBytes reports current memory accounting.
func (c *QueryCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *QueryCache) maxBytes() int64 {
	return int64(c.config.MaxSizeMB) * 1024 * 1024
}

// evictOverflow drops least-recently-used entries until both the byte and
// key caps hold. Caller holds the lock.
func (c *QueryCache) evictOverflow(maxBytes int64) {
	for c.size > maxBytes || len(c.entries) > c.config.MaxKeys {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.removeElement(oldest)
		c.evictions++
	}
}

// removeElement unlinks an entry. Caller holds the lock.
func (c *QueryCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*CacheEntry)
	delete(c.entries, entry.Key)
	c.lru.Remove(elem)
	c.size -= int64(entry.SizeBytes)
}

// sweepExpired removes all entries expired as of now.
func (c *QueryCache) sweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, elem := range c.entries {
		entry := elem.Value.(*CacheEntry)
		if now.After(entry.ExpiresAt) {
			c.removeElement(elem)
			removed++
		}
	}
	c.expirations += int64(removed)
	return removed
}
