package cache

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestQueryCache(t *testing.T, cfg QueryCacheConfig) *QueryCache {
	t.Helper()
	c := NewQueryCache(cfg, zaptest.NewLogger(t))
	t.Cleanup(c.Close)
	return c
}

func TestQueryCache_GetSet(t *testing.T) {
	cache := newTestQueryCache(t, DefaultQueryCacheConfig())

	_, ok := cache.Get("missing")
	assert.False(t, ok)

	cache.Set("audit:query:abc", []byte(`{"rows":3}`), time.Minute)

	got, ok := cache.Get("audit:query:abc")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"rows":3}`), got)

	// Overwrite replaces the payload and re-accounts size.
	cache.Set("audit:query:abc", []byte(`{"rows":4}`), time.Minute)
	got, ok = cache.Get("audit:query:abc")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"rows":4}`), got)
	assert.Equal(t, int64(len(`{"rows":4}`)), cache.SizeBytes())
}

func TestQueryCache_JSONRoundTrip(t *testing.T) {
	cache := newTestQueryCache(t, DefaultQueryCacheConfig())

	type result struct {
		Count int      `json:"count"`
		IDs   []string `json:"ids"`
	}

	err := cache.SetJSON("audit:query:count", result{Count: 2, IDs: []string{"a", "b"}}, time.Minute)
	require.NoError(t, err)

	var decoded result
	require.True(t, cache.GetJSON("audit:query:count", &decoded))
	assert.Equal(t, 2, decoded.Count)
	assert.Equal(t, []string{"a", "b"}, decoded.IDs)
}

func TestQueryCache_TTLExpiry(t *testing.T) {
	cache := newTestQueryCache(t, DefaultQueryCacheConfig())

	cache.Set("short", []byte("v"), 10*time.Millisecond)

	_, ok := cache.Get("short")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)

	_, ok = cache.Get("short")
	assert.False(t, ok, "expired entry must not be served")

	stats := cache.Stats()
	assert.Equal(t, 0, stats.TotalKeys)
	assert.Equal(t, int64(1), stats.Expirations)
}

func TestQueryCache_Sweep(t *testing.T) {
	cache := newTestQueryCache(t, DefaultQueryCacheConfig())

	cache.Set("a", []byte("1"), 5*time.Millisecond)
	cache.Set("b", []byte("2"), 5*time.Millisecond)
	cache.Set("keep", []byte("3"), time.Hour)

	time.Sleep(10 * time.Millisecond)

	removed := cache.sweepExpired(time.Now())
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, cache.Stats().TotalKeys)
	assert.Equal(t, int64(1), cache.SizeBytes())
}

func TestQueryCache_LRUEvictionByKeyCount(t *testing.T) {
	cfg := DefaultQueryCacheConfig()
	cfg.MaxKeys = 3
	cache := newTestQueryCache(t, cfg)

	cache.Set("k1", []byte("1"), time.Minute)
	cache.Set("k2", []byte("2"), time.Minute)
	cache.Set("k3", []byte("3"), time.Minute)

	// Touch k1 so k2 becomes least recently used.
	_, ok := cache.Get("k1")
	require.True(t, ok)

	cache.Set("k4", []byte("4"), time.Minute)

	_, ok = cache.Get("k2")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = cache.Get("k1")
	assert.True(t, ok)
	_, ok = cache.Get("k4")
	assert.True(t, ok)

	stats := cache.Stats()
	assert.Equal(t, 3, stats.TotalKeys)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestQueryCache_EvictionBySize(t *testing.T) {
	cfg := DefaultQueryCacheConfig()
	cfg.MaxSizeMB = 1
	cfg.MaxKeys = 100
	cache := newTestQueryCache(t, cfg)

	// Three 400KB entries exceed the 1MB budget; the oldest must go.
	payload := bytes.Repeat([]byte("x"), 400*1024)
	cache.Set("first", payload, time.Minute)
	cache.Set("second", payload, time.Minute)
	cache.Set("third", payload, time.Minute)

	_, ok := cache.Get("first")
	assert.False(t, ok)
	_, ok = cache.Get("second")
	assert.True(t, ok)
	_, ok = cache.Get("third")
	assert.True(t, ok)

	assert.LessOrEqual(t, cache.SizeBytes(), int64(1024*1024))
}

func TestQueryCache_OversizedValueRefused(t *testing.T) {
	cfg := DefaultQueryCacheConfig()
	cfg.MaxSizeMB = 1
	cache := newTestQueryCache(t, cfg)

	cache.Set("small", []byte("v"), time.Minute)
	cache.Set("huge", bytes.Repeat([]byte("x"), 2*1024*1024), time.Minute)

	_, ok := cache.Get("huge")
	assert.False(t, ok)
	_, ok = cache.Get("small")
	assert.True(t, ok, "an oversized set must not disturb existing entries")
}

func TestQueryCache_InvalidateGlob(t *testing.T) {
	cache := newTestQueryCache(t, DefaultQueryCacheConfig())

	cache.Set("audit:query:events:1", []byte("a"), time.Minute)
	cache.Set("audit:query:events:2", []byte("b"), time.Minute)
	cache.Set("audit:query:counts:1", []byte("c"), time.Minute)

	removed := cache.Invalidate("audit:query:events:*")
	assert.Equal(t, 2, removed)

	_, ok := cache.Get("audit:query:events:1")
	assert.False(t, ok)
	_, ok = cache.Get("audit:query:counts:1")
	assert.True(t, ok)

	assert.Equal(t, 0, cache.Invalidate("no-match-*"))
	assert.Equal(t, 0, cache.Invalidate("[bad-pattern"))
}

func TestQueryCache_Clear(t *testing.T) {
	cache := newTestQueryCache(t, DefaultQueryCacheConfig())

	for i := 0; i < 5; i++ {
		cache.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
	}
	cache.Clear()

	stats := cache.Stats()
	assert.Equal(t, 0, stats.TotalKeys)
	assert.Equal(t, int64(0), cache.SizeBytes())
}

func TestQueryCache_Stats(t *testing.T) {
	cache := newTestQueryCache(t, DefaultQueryCacheConfig())

	cache.Set("k", []byte("v"), time.Minute)

	_, _ = cache.Get("k")
	_, _ = cache.Get("k")
	_, _ = cache.Get("absent")

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 0.001)
	assert.Equal(t, 1, stats.TotalKeys)
	assert.Greater(t, stats.MemoryUsageMB, 0.0)
}

func TestQueryCache_ConcurrentAccess(t *testing.T) {
	cache := newTestQueryCache(t, DefaultQueryCacheConfig())

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%20)
				cache.Set(key, []byte(fmt.Sprintf("w%d-%d", w, i)), time.Minute)
				cache.Get(key)
				if i%50 == 0 {
					cache.Invalidate("k1*")
				}
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}

	stats := cache.Stats()
	assert.LessOrEqual(t, stats.TotalKeys, 20)
}
