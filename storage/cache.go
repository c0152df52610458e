package storage

import (
	"container/list"
	"sync"

	"github.com/tendai-ng/amidb/common"
	"github.com/tendai-ng/amidb/internal/logger"
	"github.com/tendai-ng/amidb/internal/metrics"
)

// CacheEntryState is the lifecycle state of a cache frame.
type CacheEntryState int

const (
	CacheEntryInvalid CacheEntryState = iota
	CacheEntryClean
	CacheEntryDirty
)

// CacheEntry is one frame of the buffer cache: a page image plus the
// bookkeeping needed to decide when it may be evicted or flushed.
type CacheEntry struct {
	PageNum  uint32
	Data     []byte
	State    CacheEntryState
	PinCount int
	TxnID    uint64
}

// Cache is a fixed-capacity, pinned LRU page cache sitting in front of
// a Pager. Pages pinned (PinCount > 0) or tagged with a non-zero TxnID
// (belonging to the in-flight transaction) are never evicted.
type Cache struct {
	mu       sync.Mutex
	pager    *Pager
	capacity int

	entries map[uint32]*list.Element // page_num -> lru element
	lru     *list.List               // front = most recently used

	log *logger.Logger
	met *metrics.Metrics
}

// NewCache creates a cache of the given capacity backed by pager.
func NewCache(pager *Pager, capacity int, log *logger.Logger, met *metrics.Metrics) *Cache {
	if capacity <= 0 {
		capacity = 64
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{
		pager:    pager,
		capacity: capacity,
		entries:  make(map[uint32]*list.Element, capacity),
		lru:      list.New(),
		log:      log.Component("cache"),
		met:      met,
	}
}

// GetPage returns the cached image for page, pinning it, loading it
// from the pager on a miss and evicting an unpinned LRU victim if the
// cache is full.
func (c *Cache) GetPage(page uint32) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[page]; ok {
		c.lru.MoveToFront(el)
		entry := el.Value.(*CacheEntry)
		entry.PinCount++
		c.met.CacheHitsTotal.Inc()
		return entry, nil
	}

	c.met.CacheMissesTotal.Inc()

	var entry *CacheEntry
	if len(c.entries) >= c.capacity {
		victim, err := c.evict()
		if err != nil {
			return nil, err
		}
		entry = victim
	} else {
		entry = &CacheEntry{Data: make([]byte, PageSize)}
	}

	if err := c.pager.ReadPage(page, entry.Data); err != nil {
		return nil, err
	}
	entry.PageNum = page
	entry.State = CacheEntryClean
	entry.PinCount = 1
	entry.TxnID = 0

	el := c.lru.PushFront(entry)
	c.entries[page] = el
	c.met.CachePagesInUse.Set(float64(len(c.entries)))
	return entry, nil
}

// evict removes and returns the least-recently-used unpinned, untagged
// entry, flushing it first if dirty. Returns ErrFull if every entry is
// pinned or belongs to the active transaction.
func (c *Cache) evict() (*CacheEntry, error) {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*CacheEntry)
		if entry.PinCount != 0 || entry.TxnID != 0 {
			continue
		}
		if entry.State == CacheEntryDirty {
			if err := c.pager.WritePage(entry.PageNum, entry.Data); err != nil {
				return nil, err
			}
		}
		c.lru.Remove(el)
		delete(c.entries, entry.PageNum)
		c.met.CacheEvictions.Inc()
		entry.State = CacheEntryInvalid
		return entry, nil
	}
	return nil, common.New(common.KindFull, "cache.evict", common.ErrFull)
}

// MarkDirty marks an already-cached page dirty.
func (c *Cache) MarkDirty(page uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[page]
	if !ok {
		return common.New(common.KindNotFound, "cache.mark_dirty", common.ErrNotFound)
	}
	el.Value.(*CacheEntry).State = CacheEntryDirty
	return nil
}

// Pin increments a cached page's pin count.
func (c *Cache) Pin(page uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[page]
	if !ok {
		return common.New(common.KindNotFound, "cache.pin", common.ErrNotFound)
	}
	el.Value.(*CacheEntry).PinCount++
	return nil
}

// Unpin decrements a cached page's pin count, floored at zero.
func (c *Cache) Unpin(page uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[page]
	if !ok {
		return common.New(common.KindNotFound, "cache.unpin", common.ErrNotFound)
	}
	entry := el.Value.(*CacheEntry)
	if entry.PinCount > 0 {
		entry.PinCount--
	}
	return nil
}

// Find returns the cache entry for page without affecting LRU order or
// pin count, or nil if page is not cached.
func (c *Cache) Find(page uint32) *CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[page]
	if !ok {
		return nil
	}
	return el.Value.(*CacheEntry)
}

// SetTxnTag tags (or clears, with 0) the owning transaction id of a
// cached page so the evictor and checkpoint logic can recognize it.
func (c *Cache) SetTxnTag(page uint32, txnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[page]; ok {
		el.Value.(*CacheEntry).TxnID = txnID
	}
}

// Flush writes every dirty, untagged entry to the pager and syncs.
// Entries still tagged with a non-zero txn id belong to an uncommitted
// transaction and are left alone.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*CacheEntry)
		if entry.State == CacheEntryDirty && entry.TxnID == 0 {
			if err := c.pager.WritePage(entry.PageNum, entry.Data); err != nil {
				return err
			}
			entry.State = CacheEntryClean
		}
	}
	return c.pager.Sync()
}

// Stats reports cache occupancy for diagnostics and metrics.
func (c *Cache) Stats() (cached, dirty, pinned int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*CacheEntry)
		cached++
		if entry.State == CacheEntryDirty {
			dirty++
		}
		if entry.PinCount > 0 {
			pinned++
		}
	}
	return
}
