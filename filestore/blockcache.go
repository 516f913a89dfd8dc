package filestore

import (
	"container/list"
	"sync"
)

// DefaultCacheItems and DefaultCacheBytes are the Block Cache's default
// bounds (spec.md §3, §5).
const (
	DefaultCacheItems = 1000
	DefaultCacheBytes = 20 * 1024 * 1024
)

type cacheKey struct {
	piece  int
	offset int64
	length int64
}

type cacheEntry struct {
	key  cacheKey
	data []byte
}

// blockCache is an LRU cache of (piece, offset, length) -> bytes, bounded by
// both item count and total byte size, write-through on writeBlock and
// consulted on readPieceBlock (spec.md §3, §4.4).
type blockCache struct {
	mu        sync.Mutex
	maxItems  int
	maxBytes  int64
	curBytes  int64
	order     *list.List // front = most recently used
	elements  map[cacheKey]*list.Element
}

func newBlockCache(maxItems int, maxBytes int64) *blockCache {
	return &blockCache{
		maxItems: maxItems,
		maxBytes: maxBytes,
		order:    list.New(),
		elements: make(map[cacheKey]*list.Element),
	}
}

func (c *blockCache) get(piece int, offset, length int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{piece, offset, length}
	el, ok := c.elements[k]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (c *blockCache) put(piece int, offset, length int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{piece, offset, length}
	if el, ok := c.elements[k]; ok {
		c.curBytes -= int64(len(el.Value.(*cacheEntry).data))
		el.Value.(*cacheEntry).data = data
		c.curBytes += int64(len(data))
		c.order.MoveToFront(el)
		c.evictLocked()
		return
	}
	el := c.order.PushFront(&cacheEntry{key: k, data: data})
	c.elements[k] = el
	c.curBytes += int64(len(data))
	c.evictLocked()
}

func (c *blockCache) evictLocked() {
	for (c.order.Len() > c.maxItems || c.curBytes > c.maxBytes) && c.order.Len() > 0 {
		back := c.order.Back()
		entry := back.Value.(*cacheEntry)
		c.order.Remove(back)
		delete(c.elements, entry.key)
		c.curBytes -= int64(len(entry.data))
	}
}
