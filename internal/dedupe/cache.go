// ABOUTME: Thread-safe TTL cache for suppressing redelivered stream events.
// ABOUTME: At-least-once transports may resend; event ids seen recently are dropped.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Production defaults, used when New is called with non-positive values.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 100_000
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited record of recently
// seen event ids, scoped per session. Uses a doubly-linked list to maintain
// insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// Non-positive arguments fall back to the production defaults. A background
// goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// key builds the composite cache key. The NUL separator keeps distinct
// session/event pairs from colliding.
func key(sessionID, eventID string) string {
	return sessionID + "\x00" + eventID
}

// Seen returns true if the event id has been recorded for the session and is
// not expired.
func (c *Cache) Seen(sessionID, eventID string) bool {
	if eventID == "" {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key(sessionID, eventID)]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < c.ttl
}

// CheckAndMark atomically checks whether the event id was already seen for
// the session and records it if not. Returns true for a duplicate, false if
// the event is new and now marked. Events without an id bypass the cache
// entirely and are never treated as duplicates.
func (c *Cache) CheckAndMark(sessionID, eventID string) bool {
	if eventID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(sessionID, eventID)
	entry, ok := c.seen[k]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true // Already seen, reject
	}

	c.markLocked(k)
	return false
}

// markLocked records a key. Must be called with mu held.
func (c *Cache) markLocked(k string) {
	now := time.Now()

	// If key already exists, update timestamp and move to back
	if entry, exists := c.seen[k]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	// Evict oldest if at capacity
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	// Add new entry
	elem := c.order.PushBack(k)
	c.seen[k] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	k, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, k)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, k)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
