package entity

import (
	"sync"
	"time"
)

type cacheKey struct {
	class string
	id    int64
}

type cacheEntry struct {
	key       cacheKey
	instance  *Entity
	expiresAt time.Time
}

// instanceCache is the bounded TTL map from (class, id) to the shared
// live instance. Eviction never destroys an entity; holders keep their
// references, the instance just stops being findable here.
//
// The sweep goroutine starts lazily on first registration and stops
// once the cache empties, so an idle process carries no timer.
type instanceCache struct {
	mu       sync.Mutex
	capacity int
	lifespan time.Duration
	interval time.Duration
	entries  map[cacheKey]*cacheEntry
	order    []*cacheEntry // insertion order
	sweeping bool
	stopCh   chan struct{}
	stopped  bool
}

func newInstanceCache(capacity int, lifespan, interval time.Duration) *instanceCache {
	return &instanceCache{
		capacity: capacity,
		lifespan: lifespan,
		interval: interval,
		entries:  make(map[cacheKey]*cacheEntry),
	}
}

// reuseOrCreate returns the live instance for (class, id), refreshing
// its expiry and merging any freshly fetched data into its saved
// snapshot. On a miss it registers the entity built by create.
//
// A refresh deliberately does not reorder the entry: the sweep assumes
// insertion order approximates expiry order, and a refreshed entry
// simply waits for the front of the list to reach it.
func (c *instanceCache) reuseOrCreate(class string, id int64, fresh map[string]any, create func() *Entity) *Entity {
	key := cacheKey{class: class, id: id}
	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && entry.expiresAt.After(now) {
		entry.expiresAt = now.Add(c.lifespan)
		instance := entry.instance
		c.mu.Unlock()

		if fresh != nil {
			instance.mu.Lock()
			instance.mergeSavedLocked(fresh)
			instance.mu.Unlock()
		}
		return instance
	}
	c.mu.Unlock()

	instance := create()
	if fresh != nil {
		instance.mu.Lock()
		instance.mergeSavedLocked(fresh)
		instance.mu.Unlock()
	}
	c.register(key, instance)
	return instance
}

// adopt registers an already-built instance, as after an insert
// assigns its id. An instance already registered under the key keeps
// its slot; the check and the registration share one critical section
// so concurrent adopters cannot displace each other.
func (c *instanceCache) adopt(class string, id int64, instance *Entity) {
	key := cacheKey{class: class, id: id}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return
	}
	c.registerLocked(key, instance)
}

func (c *instanceCache) register(key cacheKey, instance *Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerLocked(key, instance)
}

func (c *instanceCache) registerLocked(key cacheKey, instance *Entity) {
	if c.stopped {
		return
	}

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	entry := &cacheEntry{
		key:       key,
		instance:  instance,
		expiresAt: time.Now().Add(c.lifespan),
	}
	c.entries[key] = entry
	c.order = append(c.order, entry)

	// Capacity pressure beats freshness: the oldest insertion goes
	// regardless of remaining TTL.
	for len(c.order) > c.capacity {
		c.removeLocked(c.order[0])
	}

	if !c.sweeping {
		c.sweeping = true
		c.stopCh = make(chan struct{})
		go c.sweepLoop(c.stopCh)
	}
}

func (c *instanceCache) removeLocked(entry *cacheEntry) {
	delete(c.entries, entry.key)
	for i, e := range c.order {
		if e == entry {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *instanceCache) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.sweep() {
				return
			}
		}
	}
}

// sweep removes expired entries from the front of the insertion list,
// stopping at the first live one. Reports true when the cache emptied
// and the sweeper should shut down.
func (c *instanceCache) sweep() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.order) > 0 && !c.order[0].expiresAt.After(now) {
		c.removeLocked(c.order[0])
	}
	if len(c.order) == 0 {
		c.sweeping = false
		return true
	}
	return false
}

func (c *instanceCache) lookup(class string, id int64) (*Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey{class: class, id: id}]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return nil, false
	}
	return entry.instance, true
}

func (c *instanceCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *instanceCache) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.sweeping {
		close(c.stopCh)
		c.sweeping = false
	}
	c.entries = make(map[cacheKey]*cacheEntry)
	c.order = nil
}
