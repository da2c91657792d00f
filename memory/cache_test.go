// Package memory provides unit tests for the LRU cache implementation.
package memory

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(capacity int, ttl time.Duration) *Cache[string, []byte] {
	return NewCache[string, []byte](CacheConfig[[]byte]{
		Capacity:   capacity,
		DefaultTTL: ttl,
		SizeOf:     func(v []byte) int64 { return int64(len(v)) },
	})
}

// TestCache_Creation tests cache creation with various configurations.
func TestCache_Creation(t *testing.T) {
	testCases := []struct {
		name      string
		capacity  int
		expectCap int
	}{
		{"default capacity", 0, 1000},
		{"custom capacity", 500, 500},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cache := newTestCache(tc.capacity, 0)
			assert.Equal(t, tc.expectCap, cache.Capacity())
			assert.Equal(t, 0, cache.Size())
		})
	}
}

func TestCache_BasicSetGet(t *testing.T) {
	cache := newTestCache(100, time.Minute)

	t.Run("Set and Get returns value", func(t *testing.T) {
		cache.Set("k", []byte("v"), 0)
		result, ok := cache.Get("k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), result)
	})

	t.Run("Get on missing key misses", func(t *testing.T) {
		_, ok := cache.Get("absent")
		assert.False(t, ok)
	})
}

func TestCache_TTLExpiry(t *testing.T) {
	cache := newTestCache(100, time.Minute)
	cache.Set("short", []byte("v"), 20*time.Millisecond)

	_, ok := cache.Get("short")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = cache.Get("short")
	assert.False(t, ok, "expired entry must miss")
	assert.Equal(t, uint64(1), cache.Metrics().Expirations.Load())
}

func TestCache_LRUEviction(t *testing.T) {
	cache := newTestCache(3, time.Minute)
	cache.Set("a", []byte("1"), 0)
	cache.Set("b", []byte("2"), 0)
	cache.Set("c", []byte("3"), 0)

	// Touch a so b becomes the oldest.
	_, _ = cache.Get("a")
	cache.Set("d", []byte("4"), 0)

	_, ok := cache.Get("b")
	assert.False(t, ok, "strict LRU must evict the least recently used key")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := cache.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(1), cache.Metrics().Evictions.Load())
}

func TestCache_ByteBudget(t *testing.T) {
	cache := NewCache[string, []byte](CacheConfig[[]byte]{
		Capacity:   100,
		ByteBudget: 10,
		SizeOf:     func(v []byte) int64 { return int64(len(v)) },
	})

	cache.Set("a", []byte("12345"), 0)
	cache.Set("b", []byte("12345"), 0)
	assert.Equal(t, int64(10), cache.BytesUsed())

	cache.Set("c", []byte("123"), 0)
	assert.LessOrEqual(t, cache.BytesUsed(), int64(10))
	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest entry evicted to fit budget")
}

func TestCache_Invalidate(t *testing.T) {
	cache := newTestCache(10, time.Minute)
	cache.Set("k", []byte("v"), 0)

	assert.True(t, cache.Invalidate("k"))
	assert.False(t, cache.Invalidate("k"))
	_, ok := cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), cache.Metrics().Invalidations.Load())
}

func TestCache_Purge(t *testing.T) {
	cache := newTestCache(10, time.Minute)
	cache.Set("live", []byte("v"), time.Minute)
	cache.Set("dead1", []byte("v"), 10*time.Millisecond)
	cache.Set("dead2", []byte("v"), 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, cache.Purge())
	assert.Equal(t, 1, cache.Size())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := newTestCache(1000, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k-%d", i%100)
				if i%3 == 0 {
					cache.Set(key, []byte("v"), 0)
				} else {
					cache.Get(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, cache.Size(), 100)
}

// TestCache_ZipfHitRate exercises the cache with a Zipf-distributed key
// workload; the hot head must keep the hit rate above 0.7 and the metrics
// must agree with observed traffic.
func TestCache_ZipfHitRate(t *testing.T) {
	metrics := &Metrics{}
	cache := NewCache[string, []byte](CacheConfig[[]byte]{
		Capacity:   256,
		DefaultTTL: time.Minute,
		Metrics:    metrics,
	})

	zipf := rand.NewZipf(rand.New(rand.NewSource(42)), 1.2, 1, 4096)
	var observedHits, total uint64
	for i := 0; i < 20000; i++ {
		key := fmt.Sprintf("k-%d", zipf.Uint64())
		total++
		if _, ok := cache.Get(key); ok {
			observedHits++
		} else {
			cache.Set(key, []byte("v"), 0)
		}
	}

	hitRate := float64(observedHits) / float64(total)
	assert.Greater(t, hitRate, 0.7, "zipf workload hit rate")
	assert.InDelta(t, hitRate, metrics.HitRate(), 1e-9, "metrics agree with observed traffic")
	assert.False(t, math.IsNaN(metrics.HitRate()))
}

func TestShardedCache(t *testing.T) {
	cache := NewShardedCache[[]byte](8, CacheConfig[[]byte]{Capacity: 800, DefaultTTL: time.Minute})

	for i := 0; i < 100; i++ {
		cache.Set(fmt.Sprintf("k-%d", i), []byte("v"), 0)
	}
	assert.Equal(t, 100, cache.Size())

	v, ok := cache.Get("k-42")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	assert.True(t, cache.Invalidate("k-42"))
	_, ok = cache.Get("k-42")
	assert.False(t, ok)
	assert.Positive(t, cache.Metrics().Hits.Load())
}
