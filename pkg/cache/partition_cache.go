// Package cache provides the process-wide derived-state caches: partition
// metadata lookups and partition file contents. Losing either never loses
// data, only performance.
package cache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tracelake/tracelake/internal/model"
)

// PartitionCache maps (view, key, bucket) to the live partition
// descriptors for that bucket, avoiding a metadata-store round trip per
// query. Bounded by entry count, least-recently-used eviction.
type PartitionCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	hits    int64
	misses  int64
}

type partitionEntry struct {
	key   string
	parts []*model.Partition
}

// NewPartitionCache creates a cache bounded to maxSize entries.
func NewPartitionCache(maxSize int) *PartitionCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PartitionCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// PartitionKey builds the cache key for one bucket.
func PartitionKey(view, key string, bucketStart time.Time) string {
	return fmt.Sprintf("%s|%s|%d", view, key, bucketStart.UTC().Unix())
}

// Get returns the cached descriptors for a bucket.
func (c *PartitionCache) Get(view, key string, bucketStart time.Time) ([]*model.Partition, bool) {
	k := PartitionKey(view, key, bucketStart)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[k]
	if !ok {
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return elem.Value.(*partitionEntry).parts, true
}

// Put stores a bucket's descriptors. The value is published whole: a
// concurrent Get sees either the previous complete entry or this one.
func (c *PartitionCache) Put(view, key string, bucketStart time.Time, parts []*model.Partition) {
	k := PartitionKey(view, key, bucketStart)

	// Copy so later mutation by the caller cannot tear the entry.
	stored := make([]*model.Partition, len(parts))
	copy(stored, parts)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[k]; ok {
		elem.Value.(*partitionEntry).parts = stored
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[k] = c.order.PushFront(&partitionEntry{key: k, parts: stored})
}

// Invalidate drops one bucket's entry.
func (c *PartitionCache) Invalidate(view, key string, bucketStart time.Time) {
	k := PartitionKey(view, key, bucketStart)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[k]; ok {
		c.order.Remove(elem)
		delete(c.entries, k)
	}
}

// InvalidateView drops every entry of one view. Used after retirement.
func (c *PartitionCache) InvalidateView(view string) {
	prefix := view + "|"

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, elem := range c.entries {
		if strings.HasPrefix(k, prefix) {
			c.order.Remove(elem)
			delete(c.entries, k)
		}
	}
}

func (c *PartitionCache) evictOldestLocked() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*partitionEntry).key)
}

// Stats returns hit/miss counters and the current entry count.
func (c *PartitionCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
