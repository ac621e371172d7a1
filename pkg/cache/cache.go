// Package cache implements C8: a fingerprint-keyed LRU over arbitrary
// serialised artifacts (compiled physical plans, histogram snapshots,
// rendered suggestion lists), bounded by a total byte budget rather than
// an entry count, since artifacts vary wildly in size.
package cache

import (
	"container/list"
	"sync"

	"github.com/cuemby/lexis/pkg/metrics"
)

// Fingerprint identifies a cached artifact, typically a hash of the
// normalised query or plan shape that produced it.
type Fingerprint string

type entry struct {
	key      Fingerprint
	artifact []byte
}

// Cache is a byte-budgeted LRU. Zero value is not usable; construct with
// New.
type Cache struct {
	mu sync.Mutex

	budget int64
	inUse  int64
	index  map[Fingerprint]*list.Element
	order  *list.List // front = most recently used
}

// New returns an empty cache that evicts least-recently-used entries to
// stay within budgetBytes.
func New(budgetBytes int64) *Cache {
	return &Cache{
		budget: budgetBytes,
		index:  make(map[Fingerprint]*list.Element),
		order:  list.New(),
	}
}

// Get returns the artifact for key and marks it most-recently-used.
func (c *Cache) Get(key Fingerprint) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	metrics.CacheHitsTotal.Inc()
	return el.Value.(*entry).artifact, true
}

// Put inserts or replaces the artifact for key, evicting least-recently-
// used entries until the cache fits within budget. An artifact larger
// than the entire budget is not cached.
func (c *Cache) Put(key Fingerprint, artifact []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int64(len(artifact)) > c.budget {
		return
	}

	if el, ok := c.index[key]; ok {
		c.inUse -= int64(len(el.Value.(*entry).artifact))
		c.order.Remove(el)
		delete(c.index, key)
	}

	for c.inUse+int64(len(artifact)) > c.budget && c.order.Len() > 0 {
		c.evictOldest()
	}

	el := c.order.PushFront(&entry{key: key, artifact: artifact})
	c.index[key] = el
	c.inUse += int64(len(artifact))
	metrics.CacheBytesInUse.Set(float64(c.inUse))
}

// Invalidate drops key from the cache, used when the artifact it named
// (e.g. a compiled plan) is stale after a schema or histogram refresh.
func (c *Cache) Invalidate(key Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return
	}
	c.inUse -= int64(len(el.Value.(*entry).artifact))
	c.order.Remove(el)
	delete(c.index, key)
	metrics.CacheBytesInUse.Set(float64(c.inUse))
}

func (c *Cache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	c.inUse -= int64(len(e.artifact))
	c.order.Remove(oldest)
	delete(c.index, e.key)
	metrics.CacheEvictionsTotal.Inc()
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// BytesInUse returns the total size of currently cached artifacts.
func (c *Cache) BytesInUse() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}
