package memory

import (
	"hash/fnv"
	"time"
)

// ShardedCache splits keys across N independent caches keyed by
// hash(key) % N, trading strict global LRU order for lower lock contention.
// Offered for contention-sensitive workloads; the plain Cache is the default.
type ShardedCache[V any] struct {
	shards  []*Cache[string, V]
	metrics *Metrics
}

// NewShardedCache creates a cache with shardCount shards. Capacity and byte
// budget are divided evenly across shards.
func NewShardedCache[V any](shardCount int, cfg CacheConfig[V]) *ShardedCache[V] {
	if shardCount <= 0 {
		shardCount = 16
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &Metrics{}
	}

	perShard := cfg
	perShard.Metrics = metrics
	perShard.Capacity = (cfg.Capacity + shardCount - 1) / shardCount
	if cfg.ByteBudget > 0 {
		perShard.ByteBudget = cfg.ByteBudget / int64(shardCount)
	}

	shards := make([]*Cache[string, V], shardCount)
	for i := range shards {
		shards[i] = NewCache[string, V](perShard)
	}
	return &ShardedCache[V]{shards: shards, metrics: metrics}
}

func (s *ShardedCache[V]) shard(key string) *Cache[string, V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *ShardedCache[V]) Get(key string) (V, bool) {
	return s.shard(key).Get(key)
}

func (s *ShardedCache[V]) Set(key string, value V, ttl time.Duration) {
	s.shard(key).Set(key, value, ttl)
}

func (s *ShardedCache[V]) Invalidate(key string) bool {
	return s.shard(key).Invalidate(key)
}

func (s *ShardedCache[V]) Purge() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Purge()
	}
	return total
}

func (s *ShardedCache[V]) Size() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Size()
	}
	return total
}

// Metrics exposes the counters shared by all shards.
func (s *ShardedCache[V]) Metrics() *Metrics {
	return s.metrics
}
