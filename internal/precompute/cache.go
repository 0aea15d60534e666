package precompute

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
)

// ComputeFunc produces the value for a missing key. It must be deterministic
// for a given payload and epoch.
type ComputeFunc func(ctx context.Context) (obfuscation.ObfuscatedHash, error)

// Stats reports cache counters. Hits plus Misses equals the number of
// GetOrCompute calls.
type Stats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
}

// HitRate returns hits over lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	value obfuscation.ObfuscatedHash
	hits  atomic.Uint64
}

// shard is a fixed-size FIFO. keys is a ring over insertion order.
type shard struct {
	mu    sync.RWMutex
	items map[string]*entry
	keys  []string
	next  int
}

func newShard(capacity int) *shard {
	return &shard{
		items: make(map[string]*entry, capacity),
		keys:  make([]string, capacity),
	}
}

func (s *shard) get(key string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok
}

func (s *shard) put(key string, v obfuscation.ObfuscatedHash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		return
	}
	if old := s.keys[s.next]; old != "" {
		delete(s.items, old)
	}
	s.keys[s.next] = key
	s.next = (s.next + 1) % len(s.keys)
	s.items[key] = &entry{value: v}
}

func (s *shard) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Cache is a bounded, sharded (payload, epoch) -> ObfuscatedHash store.
// Entries from an older epoch are never returned for a newer one; they age
// out through FIFO eviction.
type Cache struct {
	shards   []*shard
	capacity int
	group    singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	logger  *slog.Logger
	metrics *infrastructure.Metrics
}

// New creates a cache from cfg. Capacity is split across shards.
func New(cfg config.CacheConfig, logger *slog.Logger, metrics *infrastructure.Metrics) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive")
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Shards > cfg.Capacity {
		return nil, fmt.Errorf("cache shards (%d) exceed capacity (%d)", cfg.Shards, cfg.Capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		shards:   make([]*shard, cfg.Shards),
		capacity: cfg.Capacity,
		logger:   logger.With(slog.String("component", "precompute")),
		metrics:  metrics,
	}
	per, extra := cfg.Capacity/cfg.Shards, cfg.Capacity%cfg.Shards
	for i := range c.shards {
		n := per
		if i < extra {
			n++
		}
		c.shards[i] = newShard(n)
	}
	return c, nil
}

// cacheKey is payload || 0x00 || big-endian epoch.
func cacheKey(payload []byte, epoch uint64) string {
	b := make([]byte, len(payload)+9)
	copy(b, payload)
	binary.BigEndian.PutUint64(b[len(payload)+1:], epoch)
	return string(b)
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Get looks up a value without counting it as a request.
func (c *Cache) Get(payload []byte, epoch uint64) (obfuscation.ObfuscatedHash, bool) {
	key := cacheKey(payload, epoch)
	e, ok := c.shardFor(key).get(key)
	if !ok {
		return obfuscation.ObfuscatedHash{}, false
	}
	return e.value.Clone(), true
}

// GetOrCompute returns a copy of the cached value for (payload, epoch),
// computing and storing it on a miss. Concurrent misses for one key share a single compute.
// The compute runs detached from ctx: a cancelled caller gets ctx.Err() while
// the result still lands in the cache. A failed compute is retried once.
func (c *Cache) GetOrCompute(ctx context.Context, payload []byte, epoch uint64, fn ComputeFunc) (obfuscation.ObfuscatedHash, error) {
	key := cacheKey(payload, epoch)
	sh := c.shardFor(key)

	if e, ok := sh.get(key); ok {
		e.hits.Add(1)
		c.hits.Add(1)
		c.metrics.RecordCache(ctx, true)
		return e.value.Clone(), nil
	}
	c.misses.Add(1)
	c.metrics.RecordCache(ctx, false)

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if e, ok := sh.get(key); ok {
			return e.value, nil
		}
		v, err := fn(detached)
		if err != nil {
			c.logger.WarnContext(detached, "compute failed, retrying", slog.String("error", err.Error()))
			if v, err = fn(detached); err != nil {
				return nil, err
			}
		}
		sh.put(key, v.Clone())
		return v, nil
	})

	select {
	case <-ctx.Done():
		return obfuscation.ObfuscatedHash{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return obfuscation.ObfuscatedHash{}, res.Err
		}
		return res.Val.(obfuscation.ObfuscatedHash).Clone(), nil
	}
}

// Put stores v without touching the hit or miss counters.
func (c *Cache) Put(payload []byte, epoch uint64, v obfuscation.ObfuscatedHash) {
	key := cacheKey(payload, epoch)
	c.shardFor(key).put(key, v.Clone())
}

// EntryHits returns how many hits the entry for (payload, epoch) has served.
func (c *Cache) EntryHits(payload []byte, epoch uint64) uint64 {
	key := cacheKey(payload, epoch)
	if e, ok := c.shardFor(key).get(key); ok {
		return e.hits.Load()
	}
	return 0
}

// Capacity returns the configured bound.
func (c *Cache) Capacity() int { return c.capacity }

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	size := 0
	for _, s := range c.shards {
		size += s.len()
	}
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Size:     size,
		Capacity: c.capacity,
	}
}
