package cache

import (
	"container/list"
	"sync"
)

// ContentCache caches recently-read partition file bytes, bounded by a
// byte budget with least-recently-used eviction. Values are immutable
// once inserted.
type ContentCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	maxBytes int64
	curBytes int64
	hits     int64
	misses   int64
}

type contentEntry struct {
	path string
	data []byte
}

// NewContentCache creates a cache with the given byte budget.
func NewContentCache(maxBytes int64) *ContentCache {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &ContentCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
	}
}

// Get returns the cached bytes for a partition file path.
func (c *ContentCache) Get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[path]
	if !ok {
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return elem.Value.(*contentEntry).data, true
}

// Put stores a file's bytes. Oversized values are not cached at all
// rather than evicting the whole cache for one entry.
func (c *ContentCache) Put(path string, data []byte) {
	size := int64(len(data))
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[path]; ok {
		entry := elem.Value.(*contentEntry)
		c.curBytes += size - int64(len(entry.data))
		entry.data = data
		c.order.MoveToFront(elem)
	} else {
		c.entries[path] = c.order.PushFront(&contentEntry{path: path, data: data})
		c.curBytes += size
	}

	for c.curBytes > c.maxBytes {
		c.evictOldestLocked()
	}
}

// Invalidate drops one path's entry.
func (c *ContentCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[path]; ok {
		c.curBytes -= int64(len(elem.Value.(*contentEntry).data))
		c.order.Remove(elem)
		delete(c.entries, path)
	}
}

func (c *ContentCache) evictOldestLocked() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*contentEntry)
	c.curBytes -= int64(len(entry.data))
	c.order.Remove(elem)
	delete(c.entries, entry.path)
}

// Stats returns hit/miss counters and the current byte usage.
func (c *ContentCache) Stats() (hits, misses, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.curBytes
}
