// The in-memory bucket keeps its entries in a fixed-capacity CLOCK cache with TTL support.
//
// Eviction (CLOCK / second chance): entries sit on a ring swept by a "hand". When the cache is full, the hand clears
// the reference bit of every referenced entry it passes and evicts the first entry that is unreferenced or expired.
//
// Expiration: expirable entries are indexed into time buckets of `tickInterval` width. A reaper goroutine wakes up
// every tick and drops the buckets that are now in the past, so expiry never scans the whole cache.
// Entries added with a non-positive TTL never expire and are never indexed into a time bucket.

package clock

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nobletooth/bucketcache/pkg/utils"
)

// Layer is the common API of a single Cache and a Sharded set of caches.
type Layer[K comparable, V any] interface {
	// Get returns the live value of `key`.
	Get(key K) (V, bool)
	// Add inserts or replaces `key`; it returns true if another entry had to be evicted to make room.
	Add(key K, value V, ttl time.Duration) bool
	// AddIfAbsent inserts `key` only if no live entry exists; it returns true if the value was stored.
	AddIfAbsent(key K, value V, ttl time.Duration) bool
	Remove(key K) bool // Returns true if a live entry was removed.
	Keys() []K         // Returns the keys of live entries.
	Purge()            // Removes all entries.
}

var _ Layer[string, int] = (*Cache[string, int])(nil)

type entry[K comparable, V any] struct {
	key   K
	value V
	// ref is the CLOCK reference bit. Get sets it under a read lock, hence atomic.
	ref       atomic.Bool
	expiresAt time.Time // Zero when the entry never expires.
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// timeBucket rounds `timestamp` down to a multiple of `tickInterval`.
func timeBucket(timestamp time.Time, tickInterval time.Duration) time.Time {
	return time.Unix(0, (timestamp.UnixNano()/int64(tickInterval))*int64(tickInterval))
}

// Cache is a thread-safe CLOCK cache with per-entry TTL. Use NewCache to build one.
type Cache[K comparable, V any] struct {
	capacity     int
	tickInterval time.Duration
	mux          sync.RWMutex
	index        map[K]*ringNode[*entry[K, V]]
	slots        ring[*entry[K, V]]
	hand         *ringNode[*entry[K, V]] // Next eviction candidate; nil iff the ring is empty.
	expiry       map[time.Time]map[K]*ringNode[*entry[K, V]]
	reaperHand   time.Time // Next time bucket the reaper clears.
	// onEvict runs under the cache lock for entries pushed out by capacity or removed by the reaper.
	// It must not call back into the cache.
	onEvict func(K, V)
}

// NewCache builds a Cache and starts its reaper, which stops when `ctx` is done.
func NewCache[K comparable, V any](ctx context.Context, capacity int, tickInterval time.Duration,
	onEvict func(K, V)) *Cache[K, V] {
	if capacity <= 0 {
		utils.RaiseInvariant("clock", "non_positive_capacity",
			"Invalid capacity has been given to clock cache.", "capacity", capacity)
		capacity = 1
	}
	if tickInterval <= 0 {
		utils.RaiseInvariant("clock", "non_positive_tick_interval",
			"Invalid tick interval has been given to clock cache.", "tickInterval", tickInterval)
		tickInterval = time.Second
	}
	c := &Cache[K, V]{
		capacity:     capacity,
		tickInterval: tickInterval,
		index:        make(map[K]*ringNode[*entry[K, V]], capacity),
		expiry:       make(map[time.Time]map[K]*ringNode[*entry[K, V]]),
		reaperHand:   timeBucket(time.Now(), tickInterval),
		onEvict:      onEvict,
	}
	go c.reap(ctx)
	return c
}

func (c *Cache[K, V]) Get(key K) (V, bool /*found*/) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	node, exists := c.index[key]
	if !exists || node.Value.expired(time.Now()) {
		return *new(V), false
	}
	node.Value.ref.Store(true)
	return node.Value.value, true
}

func (c *Cache[K, V]) Add(key K, value V, ttl time.Duration) /*evicted*/ bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.set(key, value, ttl)
}

func (c *Cache[K, V]) AddIfAbsent(key K, value V, ttl time.Duration) /*added*/ bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if node, exists := c.index[key]; exists && !node.Value.expired(time.Now()) {
		return false
	}
	c.set(key, value, ttl)
	return true
}

func (c *Cache[K, V]) Remove(key K) /*removed*/ bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	node, exists := c.index[key]
	if !exists {
		return false
	}
	live := !node.Value.expired(time.Now())
	c.unlink(node)
	return live
}

func (c *Cache[K, V]) Keys() []K {
	c.mux.RLock()
	defer c.mux.RUnlock()

	now := time.Now()
	keys := make([]K, 0, len(c.index))
	for key, node := range c.index {
		if !node.Value.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of occupied slots, expired-but-not-reaped entries included.
func (c *Cache[K, V]) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.slots.Len()
}

func (c *Cache[K, V]) Purge() {
	c.mux.Lock()
	defer c.mux.Unlock()

	for _, node := range slices.Collect(maps.Values(c.index)) {
		c.unlink(node)
	}
	c.expiry = make(map[time.Time]map[K]*ringNode[*entry[K, V]])
}

// set inserts or replaces `key`. Caller must hold the write lock.
func (c *Cache[K, V]) set(key K, value V, ttl time.Duration) /*evicted*/ bool {
	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if node, exists := c.index[key]; exists {
		c.unindexExpiry(node)
		node.Value.value = value
		node.Value.expiresAt = expiresAt
		node.Value.ref.Store(false)
		c.indexExpiry(node)
		return false
	}

	if c.slots.Len() < c.capacity {
		node := c.slots.PushBack(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
		c.index[key] = node
		c.indexExpiry(node)
		if c.hand == nil {
			c.hand = node
		}
		return false
	}

	// Full: sweep until an unreferenced or expired victim is found. Terminates within two laps.
	for {
		victim := c.hand
		c.hand = c.slots.After(victim)
		if victim.Value.ref.Load() && !victim.Value.expired(now) {
			victim.Value.ref.Store(false) // Second chance.
			continue
		}
		evictedKey, evictedValue := victim.Value.key, victim.Value.value
		delete(c.index, evictedKey)
		c.unindexExpiry(victim)
		// Reuse the slot for the new entry.
		victim.Value.key = key
		victim.Value.value = value
		victim.Value.expiresAt = expiresAt
		victim.Value.ref.Store(false)
		c.index[key] = victim
		c.indexExpiry(victim)
		if c.onEvict != nil {
			c.onEvict(evictedKey, evictedValue)
		}
		return true
	}
}

// unlink drops `node` from every structure. Caller must hold the write lock.
func (c *Cache[K, V]) unlink(node *ringNode[*entry[K, V]]) {
	if c.hand == node {
		c.hand = c.slots.After(node)
	}
	delete(c.index, node.Value.key)
	c.unindexExpiry(node)
	c.slots.Remove(node)
	if c.slots.Len() == 0 {
		c.hand = nil
	}
}

func (c *Cache[K, V]) indexExpiry(node *ringNode[*entry[K, V]]) {
	if node.Value.expiresAt.IsZero() {
		return
	}
	bucket := timeBucket(node.Value.expiresAt, c.tickInterval)
	if _, exists := c.expiry[bucket]; !exists {
		c.expiry[bucket] = make(map[K]*ringNode[*entry[K, V]])
	}
	c.expiry[bucket][node.Value.key] = node
}

func (c *Cache[K, V]) unindexExpiry(node *ringNode[*entry[K, V]]) {
	if node.Value.expiresAt.IsZero() {
		return
	}
	bucket := timeBucket(node.Value.expiresAt, c.tickInterval)
	delete(c.expiry[bucket], node.Value.key)
	if len(c.expiry[bucket]) == 0 {
		delete(c.expiry, bucket)
	}
}

// reap clears the time buckets that fell behind the wall clock, once per tick.
func (c *Cache[K, V]) reap(ctx context.Context) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mux.Lock()
			// A bucket only holds entries expiring before its end, so it's safe to drop once that end has passed.
			// There may be several buckets to catch up on after a CPU stall.
			for now := time.Now(); !c.reaperHand.Add(c.tickInterval).After(now); {
				for _, node := range c.expiry[c.reaperHand] {
					key, value := node.Value.key, node.Value.value
					c.unlink(node)
					if c.onEvict != nil {
						c.onEvict(key, value)
					}
				}
				delete(c.expiry, c.reaperHand)
				c.reaperHand = c.reaperHand.Add(c.tickInterval)
			}
			c.mux.Unlock()
		}
	}
}
