package utils

import (
	"container/list"
	"sync"
)

// An item in the LRU cache.
type LRUItem interface {
	Path() string
	Size() int64
}

// Called when an item is about to be evicted.
// Returning false keeps the item, for example because it is still in use.
type EvictFunc[E LRUItem] func(item E) bool

// LRU is a size bounded least-recently-used cache.
type LRU[E LRUItem] struct {
	mu sync.Mutex

	// Maximum total size of the items. Zero means unbounded.
	maxSize     int64
	currentSize int64

	// Most recently used at the front.
	items *list.List
	index map[string]*list.Element

	onEvict EvictFunc[E]
}

func NewLRU[E LRUItem](maxSize int64, onEvict EvictFunc[E]) *LRU[E] {
	return &LRU[E]{
		maxSize: maxSize,
		items:   list.New(),
		index:   make(map[string]*list.Element),
		onEvict: onEvict,
	}
}

// Adds or refreshes an item and evicts old items until the cache fits.
func (lru *LRU[E]) Add(item E) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, ok := lru.index[item.Path()]; ok {
		lru.currentSize -= ele.Value.(E).Size()
		ele.Value = item
		lru.currentSize += item.Size()
		lru.items.MoveToFront(ele)
	} else {
		lru.index[item.Path()] = lru.items.PushFront(item)
		lru.currentSize += item.Size()
	}

	lru.evict()
}

// Returns an item and marks it as recently used.
func (lru *LRU[E]) Get(path string) (item E, ok bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, hit := lru.index[path]; hit {
		lru.items.MoveToFront(ele)
		return ele.Value.(E), true
	}
	return
}

// Removes an item without calling the evict function.
func (lru *LRU[E]) Remove(path string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, hit := lru.index[path]; hit {
		lru.removeElement(ele)
	}
}

// Total size of all items.
func (lru *LRU[E]) Size() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.currentSize
}

// Number of items.
func (lru *LRU[E]) Len() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.items.Len()
}

func (lru *LRU[E]) evict() {
	if lru.maxSize <= 0 {
		return
	}

	for lru.currentSize > lru.maxSize {
		evicted := false

		for ele := lru.items.Back(); ele != nil; ele = ele.Prev() {
			if lru.onEvict == nil || lru.onEvict(ele.Value.(E)) {
				lru.removeElement(ele)
				evicted = true
				break
			}
		}

		// Nothing can be evicted right now
		if !evicted {
			return
		}
	}
}

func (lru *LRU[E]) removeElement(e *list.Element) {
	lru.items.Remove(e)
	item := e.Value.(E)
	delete(lru.index, item.Path())
	lru.currentSize -= item.Size()
}
