// Package cache implements the TTL price store. Every write draws a fresh
// TTL uniformly from [ttlMin, ttlMax] so entries seeded together do not
// expire together, and expired entries are kept until overwritten so callers
// can fall back to stale data when upstreams are down.
package cache

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/clock"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/observ"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
)

// Entry is one cached price with its freshness bounds.
type Entry struct {
	Value     prices.Value
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the entry is still servable as of now. An entry
// sitting exactly on its expiry instant is already a miss.
func (e Entry) Fresh(now time.Time) bool { return now.Before(e.ExpiresAt) }

type Cache struct {
	mu    sync.RWMutex
	store map[prices.Key]Entry

	rngMu sync.Mutex
	rng   *rand.Rand

	ttlMin time.Duration
	ttlMax time.Duration
	clk    clock.Clock
	logger *logrus.Logger

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

func New(ttlMin, ttlMax time.Duration, clk clock.Clock, logger *logrus.Logger) *Cache {
	if ttlMax < ttlMin {
		ttlMax = ttlMin
	}
	return &Cache{
		store:  make(map[prices.Key]Entry),
		rng:    rand.New(rand.NewSource(clk.Now().UnixNano())),
		ttlMin: ttlMin,
		ttlMax: ttlMax,
		clk:    clk,
		logger: logger,
	}
}

// drawTTL picks a TTL uniformly from [ttlMin, ttlMax], inclusive at both ends.
func (c *Cache) drawTTL() time.Duration {
	span := int64(c.ttlMax - c.ttlMin)
	if span <= 0 {
		return c.ttlMin
	}
	c.rngMu.Lock()
	n := c.rng.Int63n(span + 1)
	c.rngMu.Unlock()
	return c.ttlMin + time.Duration(n)
}

// Set stores value under key with a newly drawn TTL. Overwriting a stale
// entry is the only way stale data leaves the cache.
func (c *Cache) Set(key prices.Key, value prices.Value) {
	now := c.clk.Now()
	ttl := c.drawTTL()
	entry := Entry{Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	c.mu.Lock()
	c.store[key] = entry
	c.mu.Unlock()

	c.sets.Add(1)
	observ.IncCacheOp("set")
	c.logger.WithFields(logrus.Fields{
		"key": key,
		"ttl": ttl.String(),
	}).Debug("cached value")
}

// Get returns the value for key when a fresh entry exists, recording the hit
// or miss.
func (c *Cache) Get(key prices.Key) (prices.Value, bool) {
	c.mu.RLock()
	entry, ok := c.store[key]
	c.mu.RUnlock()

	if !ok || !entry.Fresh(c.clk.Now()) {
		c.misses.Add(1)
		observ.IncCacheOp("miss")
		return nil, false
	}
	c.hits.Add(1)
	observ.IncCacheOp("hit")
	return entry.Value, true
}

// GetRaw returns the entry for key regardless of freshness, without touching
// the hit counters.
func (c *Cache) GetRaw(key prices.Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.store[key]
	return entry, ok
}

// Has reports whether a fresh entry exists, without recording a hit or miss.
func (c *Cache) Has(key prices.Key) bool {
	c.mu.RLock()
	entry, ok := c.store[key]
	c.mu.RUnlock()
	return ok && entry.Fresh(c.clk.Now())
}

// RemainingTTL returns the time until key expires, zero for stale or absent
// entries.
func (c *Cache) RemainingTTL(key prices.Key) time.Duration {
	c.mu.RLock()
	entry, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	remaining := entry.ExpiresAt.Sub(c.clk.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Entries returns a point-in-time copy of the store, stale entries included.
func (c *Cache) Entries() map[prices.Key]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[prices.Key]Entry, len(c.store))
	for k, e := range c.store {
		out[k] = e
	}
	return out
}

// Delete removes one entry.
func (c *Cache) Delete(key prices.Key) {
	c.mu.Lock()
	delete(c.store, key)
	c.mu.Unlock()
	observ.IncCacheOp("delete")
}

// Clear drops every entry. Counters survive so hit rates stay meaningful
// across forced refreshes.
func (c *Cache) Clear() {
	c.mu.Lock()
	n := len(c.store)
	c.store = make(map[prices.Key]Entry)
	c.mu.Unlock()

	observ.IncCacheOp("clear")
	c.logger.WithField("evicted", n).Info("cache cleared")
}

// Stats is the cache snapshot served by the health endpoint. Entries are
// sorted by key so the payload is stable.
type Stats struct {
	Size    int          `json:"size"`
	Hits    int64        `json:"hits"`
	Misses  int64        `json:"misses"`
	Sets    int64        `json:"sets"`
	HitRate float64      `json:"hitRate"`
	Entries []EntryStats `json:"entries"`
}

// EntryStats describes one entry's age and remaining TTL in whole seconds.
type EntryStats struct {
	Key     prices.Key `json:"key"`
	Age     int64      `json:"age"`
	TTL     int64      `json:"ttl"`
	Expired bool       `json:"expired"`
}

func (c *Cache) Stats() Stats {
	now := c.clk.Now()

	c.mu.RLock()
	entries := make([]EntryStats, 0, len(c.store))
	for k, e := range c.store {
		remaining := e.ExpiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		entries = append(entries, EntryStats{
			Key:     k,
			Age:     int64(now.Sub(e.CreatedAt).Seconds()),
			TTL:     int64(remaining.Seconds()),
			Expired: !e.Fresh(now),
		})
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Size:    len(entries),
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		HitRate: hitRate,
		Entries: entries,
	}
}
