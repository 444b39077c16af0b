// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package cache provides the bounded TTL cache backing the optimistic sync
// engine and the event/camera projection.
package cache

import (
	"sync"
	"time"

	"github.com/switchcast/switchcast/internal/metrics"
)

// DefaultCapacity bounds the cache when the caller passes zero.
const DefaultCapacity = 200

// DefaultTTL is the entry lifetime when the caller passes zero.
const DefaultTTL = 5 * time.Minute

type entry struct {
	value      any
	insertedAt time.Time
	expiresAt  time.Time
	hits       int64
}

// TTLCache is a bounded in-memory key/value store with per-entry expiry.
//
// Expiry is lazy: entries are checked and evicted on access only, there is
// no background sweep goroutine. Len may therefore briefly overcount
// expired entries until they are next touched.
//
// When an insert exceeds capacity the entry with the lowest value score
// age/(hits+1) is evicted: oldest, least-reused entries go first. This is
// deliberately not LRU; an old entry that is reused often outscores a
// young entry that was written once and never read.
//
// Each cache instance is private to one sync/projection scope. Access is
// mutex-guarded so the owning scope may touch it from multiple goroutines.
type TTLCache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	capacity  int
	ttl       time.Duration
	hitCount  int64
	missCount int64
	evictions int64
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Size      int
	HitCount  int64
	MissCount int64
	Evictions int64
	AvgAge    time.Duration
}

// New creates a TTLCache with the given capacity and default entry TTL.
// Zero values select DefaultCapacity and DefaultTTL.
func New(capacity int, ttl time.Duration) *TTLCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TTLCache{
		entries:  make(map[string]*entry, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Set stores a value with the default TTL.
func (c *TTLCache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL, evicting the lowest-scored
// entry first if the cache is at capacity and key is not already present.
func (c *TTLCache) SetWithTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.insertedAt = now
		e.expiresAt = now.Add(ttl)
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLowestScore(now)
	}

	c.entries[key] = &entry{
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
}

// Get returns the value for key, or (nil, false) if absent or expired.
// Expired entries are removed on the spot.
func (c *TTLCache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.missCount++
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.evictions++
		c.missCount++
		metrics.CacheEvictions.Inc()
		metrics.CacheMisses.Inc()
		return nil, false
	}
	e.hits++
	c.hitCount++
	metrics.CacheHits.Inc()
	return e.value, true
}

// Has reports whether key holds a live entry. Unlike Get it does not count
// toward the entry's hit score, so probing cannot skew eviction order.
func (c *TTLCache) Has(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.evictions++
		metrics.CacheEvictions.Inc()
		return false
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *TTLCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Clear removes all entries.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry, c.capacity)
}

// Len returns the current entry count, which may include entries that have
// expired but not yet been touched.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetStats returns a snapshot of cache statistics.
func (c *TTLCache) GetStats() Stats {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var total time.Duration
	for _, e := range c.entries {
		total += now.Sub(e.insertedAt)
	}
	var avg time.Duration
	if len(c.entries) > 0 {
		avg = total / time.Duration(len(c.entries))
	}
	return Stats{
		Size:      len(c.entries),
		HitCount:  c.hitCount,
		MissCount: c.missCount,
		Evictions: c.evictions,
		AvgAge:    avg,
	}
}

// evictLowestScore removes the least valuable entry, where staleness
// age/(hits+1) measures how little an entry has earned its slot: oldest and
// least-reused entries carry the highest staleness and go first. Expired
// entries are removed first if any exist. Must be called with the lock held.
func (c *TTLCache) evictLowestScore(now time.Time) {
	var victim string
	worst := -1.0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			c.evictions++
			metrics.CacheEvictions.Inc()
			return
		}
		staleness := float64(now.Sub(e.insertedAt)) / float64(e.hits+1)
		if staleness > worst {
			worst = staleness
			victim = key
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.evictions++
		metrics.CacheEvictions.Inc()
	}
}
