// Package compatcache caches the outcome of a protocol handshake
// keyed by the client's protocol fingerprint, so that repeat calls
// from clients already known to the server skip both the
// compatibility check and the resolving-decoder construction
// (SPEC_FULL.md §4.3, §9 "FIFO eviction chosen").
package compatcache

import (
	"sync"

	"github.com/avro-ipc/avrorpc/internal/codec"
)

// Entry is what a successful handshake produces and what a later
// call reuses: the server protocol hash it was negotiated against, the client's protocol
// text for diagnostics, and a decoder per message capable of
// resolving that client's writer schema into the server's reader
// schema.
type Entry struct {
	ServerHash       [16]byte
	ClientProtocol   string
	ClientCompatible bool
	RequestDecoders  map[string]*codec.ResolvingDecoder
}

// Cache is a fixed-capacity, FIFO-evicting map from hex-encoded
// client protocol fingerprint to Entry. Unlike a schema cache, a
// stale handshake entry isn't a correctness risk — the server
// always re-validates compatibility on a fingerprint it hasn't seen
// before, which is exactly what eviction forces. There is no TTL:
// the teacher's time-based expiry has no equivalent here, since a
// fingerprint never "goes stale" on its own — it is evicted only to
// bound memory.
type Cache struct {
	capacity int
	mu       sync.RWMutex
	items    map[string]*Entry
	order    []string
}

func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*Entry),
		order:    make([]string, 0, capacity),
	}
}

// Get looks up a cached handshake entry by hex client hash.
func (c *Cache) Get(clientHash string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[clientHash]
	return e, ok
}

// Set inserts or replaces the entry for clientHash. Replacing an
// existing key does not move it in the eviction order — only first
// insertion establishes FIFO position, matching the protocol
// fingerprint's role as an immutable cache key in practice.
func (c *Cache) Set(clientHash string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[clientHash]; exists {
		c.items[clientHash] = entry
		return
	}

	if c.capacity > 0 && len(c.items) >= c.capacity {
		c.evict()
	}

	c.items[clientHash] = entry
	c.order = append(c.order, clientHash)
}

// evict removes the oldest entry. Caller must hold the write lock.
func (c *Cache) evict() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.items, oldest)
}

// Delete removes a single entry, regardless of its age.
func (c *Cache) Delete(clientHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, clientHash)
	c.removeFromOrder(clientHash)
}

func (c *Cache) removeFromOrder(clientHash string) {
	for i, k := range c.order {
		if k == clientHash {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Entry)
	c.order = make([]string, 0, c.capacity)
}

// Resize changes the cache's capacity, evicting the oldest entries
// immediately if the new capacity is smaller than the current
// occupancy. Used by the config hot-reload path for cache.maxEntries.
func (c *Cache) Resize(capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	for capacity > 0 && len(c.items) > capacity {
		c.evict()
	}
}

// Stats reports current occupancy.
type Stats struct {
	Size     int
	Capacity int
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Size: len(c.items), Capacity: c.capacity}
}
