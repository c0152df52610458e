package btree

import "github.com/tendai-ng/amidb/storage"

// Delete removes key's entry from its leaf, rebalancing via borrow or
// merge if the leaf drops below MinKeys. Returns ErrNotFound if key is
// absent.
func (t *Tree) Delete(key int32) error {
	n, entry, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}

	idx, ok := n.searchLeaf(key)
	if !ok {
		t.cache.Unpin(entry.PageNum)
		return ErrNotFound
	}

	removeLeafAt(n, idx)
	if err := t.saveNode(n, entry); err != nil {
		t.cache.Unpin(entry.PageNum)
		return err
	}
	page := n.page
	parent := n.parent
	underflow := n.numKeys < MinKeys && n.page != t.root
	t.cache.Unpin(entry.PageNum)
	t.numEntries--

	if !underflow {
		return nil
	}
	return t.rebalanceAfterDelete(page, parent)
}

func removeLeafAt(n *node, idx int) {
	copy(n.keys[idx:], n.keys[idx+1:n.numKeys])
	copy(n.values[idx:], n.values[idx+1:n.numKeys])
	n.numKeys--
}

func removeInternalAt(n *node, idx int) {
	// Removes separator keys[idx] and the child to its right,
	// children[idx+1] — the convention used by merge below.
	copy(n.keys[idx:], n.keys[idx+1:n.numKeys])
	copy(n.children[idx+1:], n.children[idx+2:n.numKeys+1])
	n.numKeys--
}

// rebalanceAfterDelete walks up the parent chain (iteratively, bounded
// by MaxHeight) fixing underflowed nodes by borrowing from a sibling
// with spare keys or merging with one, per spec.md §4.3.
func (t *Tree) rebalanceAfterDelete(page, parent uint32) error {
	for depth := 0; depth < MaxHeight; depth++ {
		if parent == 0 {
			return t.maybeCollapseRoot()
		}

		pn, pentry, err := t.loadNode(parent)
		if err != nil {
			return err
		}
		myIdx := -1
		for i := 0; i <= pn.numKeys; i++ {
			if pn.children[i] == page {
				myIdx = i
				break
			}
		}
		if myIdx == -1 {
			t.cache.Unpin(pentry.PageNum)
			return nil
		}

		// Try borrowing from the left sibling, then the right.
		if myIdx > 0 {
			ok, err := t.tryBorrowLeft(pn, pentry, myIdx)
			if err != nil {
				t.cache.Unpin(pentry.PageNum)
				return err
			}
			if ok {
				t.cache.Unpin(pentry.PageNum)
				return nil
			}
		}
		if myIdx < pn.numKeys {
			ok, err := t.tryBorrowRight(pn, pentry, myIdx)
			if err != nil {
				t.cache.Unpin(pentry.PageNum)
				return err
			}
			if ok {
				t.cache.Unpin(pentry.PageNum)
				return nil
			}
		}

		// Neither sibling has spare keys: merge. Prefer merging with
		// the left sibling if present so "fold right into left" holds
		// uniformly.
		var mergeIdx int
		if myIdx > 0 {
			mergeIdx = myIdx - 1
		} else {
			mergeIdx = myIdx
		}

		stillUnderflowed, err := t.mergeChildren(pn, pentry, mergeIdx)
		if err != nil {
			t.cache.Unpin(pentry.PageNum)
			return err
		}

		page = pn.page
		nextParent := pn.parent
		parentUnderflow := pn.numKeys < MinKeys && pn.page != t.root
		t.cache.Unpin(pentry.PageNum)

		if pn.page == t.root && pn.numKeys == 0 {
			return t.maybeCollapseRoot()
		}
		if !stillUnderflowed || !parentUnderflow {
			return nil
		}
		parent = nextParent
	}
	return errNodeFull
}

// tryBorrowLeft shifts the last key/value (or key/child) of the left
// sibling into the underflowed node at myIdx, updating the parent
// separator. Returns ok=false if the sibling has no spare key.
func (t *Tree) tryBorrowLeft(parent *node, parentEntry *storage.CacheEntry, myIdx int) (bool, error) {
	leftPage := parent.children[myIdx-1]
	left, leftEntry, err := t.loadNode(leftPage)
	if err != nil {
		return false, err
	}
	defer t.cache.Unpin(leftEntry.PageNum)

	if left.numKeys <= MinKeys {
		return false, nil
	}

	mePage := parent.children[myIdx]
	me, meEntry, err := t.loadNode(mePage)
	if err != nil {
		return false, err
	}
	defer t.cache.Unpin(meEntry.PageNum)

	if me.isLeaf() {
		copy(me.keys[1:], me.keys[:me.numKeys])
		copy(me.values[1:], me.values[:me.numKeys])
		me.keys[0] = left.keys[left.numKeys-1]
		me.values[0] = left.values[left.numKeys-1]
		me.numKeys++
		left.numKeys--
		parent.keys[myIdx-1] = me.keys[0]
	} else {
		copy(me.keys[1:], me.keys[:me.numKeys])
		copy(me.children[1:], me.children[:me.numKeys+1])
		me.keys[0] = parent.keys[myIdx-1]
		me.children[0] = left.children[left.numKeys]
		me.numKeys++
		left.numKeys--
		parent.keys[myIdx-1] = left.keys[left.numKeys]
		if err := t.fixChildParent(me.children[0], me.page); err != nil {
			return false, err
		}
	}

	if err := t.saveNode(left, leftEntry); err != nil {
		return false, err
	}
	if err := t.saveNode(me, meEntry); err != nil {
		return false, err
	}
	return true, t.saveNode(parent, parentEntry)
}

// tryBorrowRight is the mirror of tryBorrowLeft using the right
// sibling's first key/value.
func (t *Tree) tryBorrowRight(parent *node, parentEntry *storage.CacheEntry, myIdx int) (bool, error) {
	rightPage := parent.children[myIdx+1]
	right, rightEntry, err := t.loadNode(rightPage)
	if err != nil {
		return false, err
	}
	defer t.cache.Unpin(rightEntry.PageNum)

	if right.numKeys <= MinKeys {
		return false, nil
	}

	mePage := parent.children[myIdx]
	me, meEntry, err := t.loadNode(mePage)
	if err != nil {
		return false, err
	}
	defer t.cache.Unpin(meEntry.PageNum)

	if me.isLeaf() {
		me.keys[me.numKeys] = right.keys[0]
		me.values[me.numKeys] = right.values[0]
		me.numKeys++
		copy(right.keys[:], right.keys[1:right.numKeys])
		copy(right.values[:], right.values[1:right.numKeys])
		right.numKeys--
		parent.keys[myIdx] = right.keys[0]
	} else {
		me.keys[me.numKeys] = parent.keys[myIdx]
		me.children[me.numKeys+1] = right.children[0]
		me.numKeys++
		if err := t.fixChildParent(me.children[me.numKeys], me.page); err != nil {
			return false, err
		}
		parent.keys[myIdx] = right.keys[0]
		copy(right.keys[:], right.keys[1:right.numKeys])
		copy(right.children[:], right.children[1:right.numKeys+1])
		right.numKeys--
	}

	if err := t.saveNode(right, rightEntry); err != nil {
		return false, err
	}
	if err := t.saveNode(me, meEntry); err != nil {
		return false, err
	}
	return true, t.saveNode(parent, parentEntry)
}

// mergeChildren folds parent.children[idx+1] into parent.children[idx],
// frees the emptied right page, and removes the separator from parent.
// Returns whether parent itself is now underflowed.
func (t *Tree) mergeChildren(parent *node, parentEntry *storage.CacheEntry, idx int) (bool, error) {
	leftPage := parent.children[idx]
	rightPage := parent.children[idx+1]

	left, leftEntry, err := t.loadNode(leftPage)
	if err != nil {
		return false, err
	}
	right, rightEntry, err := t.loadNode(rightPage)
	if err != nil {
		t.cache.Unpin(leftEntry.PageNum)
		return false, err
	}

	if left.isLeaf() {
		copy(left.keys[left.numKeys:], right.keys[:right.numKeys])
		copy(left.values[left.numKeys:], right.values[:right.numKeys])
		left.numKeys += right.numKeys
		left.nextLeaf = right.nextLeaf
	} else {
		left.keys[left.numKeys] = parent.keys[idx]
		copy(left.keys[left.numKeys+1:], right.keys[:right.numKeys])
		copy(left.children[left.numKeys+1:], right.children[:right.numKeys+1])
		oldCount := left.numKeys
		left.numKeys += right.numKeys + 1
		for i := oldCount + 1; i <= left.numKeys; i++ {
			if err := t.fixChildParent(left.children[i], left.page); err != nil {
				t.cache.Unpin(leftEntry.PageNum)
				t.cache.Unpin(rightEntry.PageNum)
				return false, err
			}
		}
	}

	if err := t.saveNode(left, leftEntry); err != nil {
		t.cache.Unpin(leftEntry.PageNum)
		t.cache.Unpin(rightEntry.PageNum)
		return false, err
	}
	t.cache.Unpin(leftEntry.PageNum)
	t.cache.Unpin(rightEntry.PageNum)

	if err := t.pager.FreePage(rightPage); err != nil {
		return false, err
	}

	removeInternalAt(parent, idx)
	if err := t.saveNode(parent, parentEntry); err != nil {
		return false, err
	}

	return parent.numKeys < MinKeys, nil
}

// maybeCollapseRoot replaces an internal root of num_keys==0 with its
// only remaining child, freeing the old root page.
func (t *Tree) maybeCollapseRoot() error {
	n, entry, err := t.loadNode(t.root)
	if err != nil {
		return err
	}
	if n.isLeaf() || n.numKeys > 0 {
		t.cache.Unpin(entry.PageNum)
		return nil
	}

	newRoot := n.children[0]
	oldRoot := t.root
	t.cache.Unpin(entry.PageNum)

	if err := t.pager.FreePage(oldRoot); err != nil {
		return err
	}

	nn, nentry, err := t.loadNode(newRoot)
	if err != nil {
		return err
	}
	nn.parent = 0
	err = t.saveNode(nn, nentry)
	t.cache.Unpin(nentry.PageNum)
	if err != nil {
		return err
	}

	t.root = newRoot
	return nil
}
