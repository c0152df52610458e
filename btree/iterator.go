package btree

import "github.com/tendai-ng/amidb/common"

// Cursor is a lightweight iterator over a tree's leaf chain, produced
// by CursorFirst and advanced by CursorNext.
type Cursor struct {
	tree  *Tree
	leaf  uint32
	idx   int
	valid bool
}

// CursorFirst descends the leftmost child chain to the first leaf and
// positions the cursor at its first entry.
func (t *Tree) CursorFirst() (*Cursor, error) {
	page := t.root
	for depth := 0; depth < MaxHeight; depth++ {
		n, entry, err := t.loadNode(page)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			valid := n.numKeys > 0
			t.cache.Unpin(entry.PageNum)
			return &Cursor{tree: t, leaf: page, idx: 0, valid: valid}, nil
		}
		next := n.children[0]
		t.cache.Unpin(entry.PageNum)
		page = next
	}
	return nil, common.New(common.KindCorrupt, "btree.cursor_first", common.ErrCorrupt)
}

// Valid reports whether the cursor currently references an
// entry.
func (c *Cursor) Valid() bool { return c.valid }

// Get returns the key and value the cursor currently references.
func (c *Cursor) Get() (int32, uint32, error) {
	if !c.valid {
		return 0, 0, common.New(common.KindDone, "btree.cursor_get", common.ErrNotFound)
	}
	n, entry, err := c.tree.loadNode(c.leaf)
	if err != nil {
		return 0, 0, err
	}
	defer c.tree.cache.Unpin(entry.PageNum)
	return n.keys[c.idx], n.values[c.idx], nil
}

// Next advances the cursor within the current leaf, following
// next_leaf when exhausted; it becomes invalid once next_leaf == 0.
func (c *Cursor) Next() error {
	if !c.valid {
		return nil
	}
	n, entry, err := c.tree.loadNode(c.leaf)
	if err != nil {
		return err
	}
	next := n.nextLeaf
	numKeys := n.numKeys
	c.tree.cache.Unpin(entry.PageNum)

	if c.idx+1 < numKeys {
		c.idx++
		return nil
	}
	if next == 0 {
		c.valid = false
		return nil
	}

	nn, nentry, err := c.tree.loadNode(next)
	if err != nil {
		return err
	}
	hasEntries := nn.numKeys > 0
	c.tree.cache.Unpin(nentry.PageNum)

	c.leaf = next
	c.idx = 0
	c.valid = hasEntries
	return nil
}
