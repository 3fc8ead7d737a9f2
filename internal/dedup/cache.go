// Package dedup remembers recently seen inbound message ids so retried
// webhook deliveries are processed once.
package dedup

import (
	"sync"
	"time"
)

// DefaultRetention is how long a seen id is remembered.
const DefaultRetention = 5 * time.Minute

// Cache is a process-local set of message ids with per-entry expiry.
// An id present and unexpired means processing started or completed within
// the retention window. Entries are never persisted.
type Cache struct {
	mu        sync.Mutex
	seen      map[string]time.Time // id -> expiry
	retention time.Duration
	now       func() time.Time
}

func New(retention time.Duration) *Cache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cache{
		seen:      make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// HasSeen reports whether id was marked within the retention window.
func (c *Cache) HasSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(id)
}

// MarkSeen records id; it is forgotten after the retention window.
func (c *Cache) MarkSeen(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.seen[id] = c.now().Add(c.retention)
	c.mu.Unlock()
}

// CheckAndMark marks id and reports true if it was not already seen.
// Concurrent deliveries of the same id get exactly one true.
func (c *Cache) CheckAndMark(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveLocked(id) {
		return false
	}
	c.seen[id] = c.now().Add(c.retention)
	return true
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, exp := range c.seen {
		if !now.Before(exp) {
			delete(c.seen, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked ids, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) liveLocked(id string) bool {
	exp, ok := c.seen[id]
	if !ok {
		return false
	}
	if !c.now().Before(exp) {
		delete(c.seen, id)
		return false
	}
	return true
}
