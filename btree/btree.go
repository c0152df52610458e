package btree

import (
	"github.com/tendai-ng/amidb/common"
	"github.com/tendai-ng/amidb/internal/logger"
	"github.com/tendai-ng/amidb/storage"
)

// Tree is an ordered map from int32 key to uint32 value, persisted one
// node per page. It borrows a Pager and Cache; it owns no pages.
type Tree struct {
	pager *storage.Pager
	cache *storage.Cache
	txn   *storage.Txn
	root  uint32

	numEntries uint64

	log *logger.Logger
}

// Create allocates a single empty leaf page, stamps it page_type=btree
// and returns a handle over it along with its root page number.
func Create(pager *storage.Pager, cache *storage.Cache, log *logger.Logger) (*Tree, uint32, error) {
	t := &Tree{pager: pager, cache: cache, log: nopIfNil(log)}

	root, err := pager.AllocatePage()
	if err != nil {
		return nil, 0, err
	}

	entry, err := cache.GetPage(root)
	if err != nil {
		return nil, 0, err
	}
	defer cache.Unpin(root)

	n := &node{page: root, nodeType: nodeLeaf}
	stampPageType(entry.Data, PageType)
	n.encode(entry.Data[storage.PageHeaderSize:])
	if err := cache.MarkDirty(root); err != nil {
		return nil, 0, err
	}
	t.attachDirty(root)

	t.root = root
	return t, root, nil
}

// Open builds a handle over an existing tree rooted at root.
func Open(pager *storage.Pager, cache *storage.Cache, root uint32, log *logger.Logger) *Tree {
	return &Tree{pager: pager, cache: cache, root: root, log: nopIfNil(log)}
}

func nopIfNil(log *logger.Logger) *logger.Logger {
	if log == nil {
		return logger.Nop()
	}
	return log.Component("btree")
}

// Close releases the handle. The cache continues to own the pages.
func (t *Tree) Close() {}

// SetTransaction attaches (or detaches, with nil) a transaction for
// dirty-page tracking. Every page a mutation touches is both
// cache.MarkDirty'd and, if a transaction is attached, added to its
// dirty-page set with the cache entry tagged with the transaction id.
func (t *Tree) SetTransaction(txn *storage.Txn) { t.txn = txn }

// RootPage returns the tree's current root page number, which changes
// when the root splits or collapses.
func (t *Tree) RootPage() uint32 { return t.root }

func stampPageType(buf []byte, pageType byte) { buf[4] = pageType }

// attachDirty tags a page as dirtied by the attached transaction, if
// any; a no-op otherwise.
func (t *Tree) attachDirty(page uint32) error {
	if t.txn == nil {
		return nil
	}
	if err := t.txn.AddDirtyPage(page); err != nil {
		return err
	}
	return nil
}

// loadNode pins page and decodes it. The caller must call cache.Unpin
// exactly once, even on a later error.
func (t *Tree) loadNode(page uint32) (*node, *storage.CacheEntry, error) {
	entry, err := t.cache.GetPage(page)
	if err != nil {
		return nil, nil, err
	}
	return decodeNode(page, entry.Data[storage.PageHeaderSize:]), entry, nil
}

// saveNode writes n back into entry's buffer and marks the page dirty,
// tagging it with the attached transaction.
func (t *Tree) saveNode(n *node, entry *storage.CacheEntry) error {
	stampPageType(entry.Data, PageType)
	n.encode(entry.Data[storage.PageHeaderSize:])
	if err := t.cache.MarkDirty(n.page); err != nil {
		return err
	}
	return t.attachDirty(n.page)
}

// descendToLeaf walks from the root to the leaf covering key,
// iteratively, bounded by MaxHeight. Every visited page is pinned and
// then unpinned before moving to the next (only the final leaf stays
// pinned on return).
func (t *Tree) descendToLeaf(key int32) (*node, *storage.CacheEntry, error) {
	page := t.root
	for depth := 0; depth < MaxHeight; depth++ {
		n, entry, err := t.loadNode(page)
		if err != nil {
			return nil, nil, err
		}
		if n.isLeaf() {
			return n, entry, nil
		}
		next := n.children[n.childIndex(key)]
		t.cache.Unpin(page)
		page = next
	}
	return nil, nil, common.New(common.KindCorrupt, "btree.descend", common.ErrCorrupt)
}

// Search descends to the covering leaf and binary-searches it.
func (t *Tree) Search(key int32) (uint32, error) {
	n, entry, err := t.loadLeafFor(key)
	if err != nil {
		return 0, err
	}
	defer t.cache.Unpin(entry.PageNum)

	idx, ok := n.searchLeaf(key)
	if !ok {
		return 0, common.New(common.KindNotFound, "btree.search", common.ErrNotFound)
	}
	return n.values[idx], nil
}

func (t *Tree) loadLeafFor(key int32) (*node, *storage.CacheEntry, error) {
	return t.descendToLeaf(key)
}

// Stats reports the tree's entry count, height, and exact node count
// (internal nodes = total nodes − leaves, computed by walking internal
// levels rather than approximating).
type Stats struct {
	NumEntries uint64
	Height     int
	NumNodes   int
}

func (t *Tree) Stats() (Stats, error) {
	height := 1
	leaves := 0
	var entries uint64

	// Walk the leftmost chain once to measure height and find the first leaf.
	page := t.root
	for {
		n, _, err := t.loadNode(page)
		if err != nil {
			return Stats{}, err
		}
		isLeaf := n.isLeaf()
		next := n.children[0]
		t.cache.Unpin(page)
		if isLeaf {
			break
		}
		page = next
		height++
	}
	leftmostLeaf := page

	// Walk the leaf chain to count leaves.
	for leafPage := leftmostLeaf; leafPage != 0; {
		n, entry, err := t.loadNode(leafPage)
		if err != nil {
			return Stats{}, err
		}
		leaves++
		entries += uint64(n.numKeys)
		next := n.nextLeaf
		t.cache.Unpin(entry.PageNum)
		leafPage = next
	}

	internalNodes, err := t.countInternalNodes(height)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		NumEntries: entries,
		Height:     height,
		NumNodes:   leaves + internalNodes,
	}, nil
}

// AllPages returns every page belonging to the tree — every internal
// node plus every leaf — for a caller that needs to free the whole
// structure (catalog.DropTable frees a dropped table's data tree this
// way).
func (t *Tree) AllPages() ([]uint32, error) {
	var pages []uint32
	level := []uint32{t.root}
	for len(level) > 0 {
		var next []uint32
		for _, page := range level {
			n, entry, err := t.loadNode(page)
			if err != nil {
				return nil, err
			}
			pages = append(pages, page)
			if !n.isLeaf() {
				for i := 0; i <= n.numKeys; i++ {
					if n.children[i] != 0 {
						next = append(next, n.children[i])
					}
				}
			}
			t.cache.Unpin(entry.PageNum)
		}
		level = next
	}
	return pages, nil
}

// countInternalNodes walks exactly the height-1 internal levels of a
// balanced B+Tree (every leaf sits at the same depth), recursion-free,
// via an explicit per-level worklist.
func (t *Tree) countInternalNodes(height int) (int, error) {
	if height <= 1 {
		return 0, nil
	}

	level := []uint32{t.root}
	count := 0
	for l := 0; l < height-1; l++ {
		count += len(level)
		var next []uint32
		for _, page := range level {
			cn, centry, err := t.loadNode(page)
			if err != nil {
				return 0, err
			}
			for i := 0; i <= cn.numKeys; i++ {
				next = append(next, cn.children[i])
			}
			t.cache.Unpin(centry.PageNum)
		}
		level = next
	}
	return count, nil
}
