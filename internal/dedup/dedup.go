// Package dedup gates the pipeline against at-least-once stream delivery.
package dedup

import (
	"sync"
	"time"
)

// Cache is a bounded, time-windowed set of already-processed event hashes.
// Entries age out after the TTL; when the set still exceeds capacity, the
// oldest-inserted entries are purged first. This is a plain time+capacity
// bound, not an LRU: hits are never promoted. Aged-out duplicates may
// re-alert; genuine firsts are never suppressed.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	seen     map[string]time.Time
	order    []string // insertion order, oldest first
	now      func() time.Time
}

func New(ttl time.Duration, capacity int) *Cache {
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// MarkAndCheck records id and reports whether it was already present.
// Check-then-insert is atomic; a sweep runs inline first so memory stays
// bounded even under a message storm that never lets a timer fire.
func (c *Cache) MarkAndCheck(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = now
	c.order = append(c.order, id)
	return false
}

// Len reports the current number of tracked hashes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweepLocked(now time.Time) {
	// First-seen timestamps grow monotonically along order, so TTL eviction
	// only ever trims a prefix.
	i := 0
	for ; i < len(c.order); i++ {
		ts, ok := c.seen[c.order[i]]
		if ok && now.Sub(ts) <= c.ttl {
			break
		}
		delete(c.seen, c.order[i])
	}
	for ; len(c.order)-i > c.capacity; i++ {
		delete(c.seen, c.order[i])
	}
	if i > 0 {
		c.order = append(c.order[:0], c.order[i:]...)
	}
}
