package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/conneroisu/bundlr/internal/module"
)

// Cache holds transformed records keyed by identity, chain version and
// source fingerprint. Entries are evicted least recently used first once the
// byte bound is reached.
type Cache struct {
	entries     map[string]*cacheEntry
	mutex       sync.Mutex
	maxSize     int64
	currentSize int64
	// LRU list with sentinel head and tail
	head *cacheEntry
	tail *cacheEntry

	hits      int64
	misses    int64
	sets      int64
	evictions int64
}

type cacheEntry struct {
	key    string
	record *module.Record
	size   int64

	prev *cacheEntry
	next *cacheEntry
}

// CacheStats is a point-in-time view of cache usage.
type CacheStats struct {
	Entries   int
	Size      int64
	MaxSize   int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits / lookups, or 0 before the first lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewCache creates a cache bounded to maxSize bytes. A non-positive bound
// disables caching.
func NewCache(maxSize int64) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		head:    &cacheEntry{},
		tail:    &cacheEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns a private copy of the cached record.
func (c *Cache) Get(key string) (*module.Record, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	c.moveToFront(entry)
	atomic.AddInt64(&c.hits, 1)
	return entry.record.Clone(), true
}

// Set stores a copy of record under key.
func (c *Cache) Set(key string, record *module.Record) {
	size := record.Size() + int64(len(key))
	if size > c.maxSize {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.currentSize += size - existing.size
		existing.record = record.Clone()
		existing.size = size
		c.moveToFront(existing)
		c.evictIfNeeded(0)
		atomic.AddInt64(&c.sets, 1)
		return
	}

	c.evictIfNeeded(size)
	entry := &cacheEntry{key: key, record: record.Clone(), size: size}
	c.entries[key] = entry
	c.currentSize += size
	c.addToFront(entry)
	atomic.AddInt64(&c.sets, 1)
}

// Clear drops every entry and resets the statistics.
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.currentSize = 0
	c.head.next = c.tail
	c.tail.prev = c.head

	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.sets, 0)
	atomic.StoreInt64(&c.evictions, 0)
}

// Stats returns cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return CacheStats{
		Entries:   len(c.entries),
		Size:      c.currentSize,
		MaxSize:   c.maxSize,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
	}
}

func (c *Cache) evictIfNeeded(newSize int64) {
	for c.currentSize+newSize > c.maxSize && c.tail.prev != c.head {
		lru := c.tail.prev
		c.removeFromList(lru)
		delete(c.entries, lru.key)
		c.currentSize -= lru.size
		atomic.AddInt64(&c.evictions, 1)
	}
}

func (c *Cache) addToFront(entry *cacheEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *Cache) removeFromList(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
}

func (c *Cache) moveToFront(entry *cacheEntry) {
	c.removeFromList(entry)
	c.addToFront(entry)
}
