// Package btree implements the ordered map from a signed 32-bit key to an
// unsigned 32-bit value described in spec.md §4.3: one node per page,
// split/merge/borrow rebalancing, and leaf-level chaining for in-order
// scans. A Tree borrows a storage.Pager and storage.Cache; it owns no
// pages itself.
package btree

import (
	"encoding/binary"
	"errors"

	"github.com/tendai-ng/amidb/common"
	"github.com/tendai-ng/amidb/storage"
)

// Reference fan-out from spec.md §3/§5.
const (
	Order      = 64
	MinKeys    = Order / 2
	MaxHeight  = 16
	numChildSl = Order + 1
)

// Node types, stored in the node header's type byte.
const (
	nodeLeaf     byte = 0
	nodeInternal byte = 1
)

// Node layout within the page body (the pager's page header precedes
// this): type(1) pad(3) num_keys(4) parent_page(4) next_leaf(4)
// keys[Order](4 each) children[Order+1](4 each) values[Order](4 each).
const (
	offType       = 0
	offNumKeys    = 4
	offParent     = 8
	offNextLeaf   = 12
	offKeys       = 16
	offChildren   = offKeys + Order*4
	offValues     = offChildren + numChildSl*4
	nodeBodyBytes = offValues + Order*4
)

func init() {
	if nodeBodyBytes > storage.PageSize-storage.PageHeaderSize {
		panic("btree: node layout does not fit in a page body")
	}
}

// node is a decoded view over one page's body. Callers obtain it from a
// pinned cache entry and must write it back with encode before
// unpinning if they mutated it.
type node struct {
	page     uint32
	nodeType byte
	numKeys  int
	parent   uint32
	nextLeaf uint32
	keys     [Order]int32
	children [numChildSl]uint32
	values   [Order]uint32
}

func (n *node) isLeaf() bool { return n.nodeType == nodeLeaf }

func decodeNode(page uint32, body []byte) *node {
	n := &node{page: page}
	n.nodeType = body[offType]
	n.numKeys = int(binary.LittleEndian.Uint32(body[offNumKeys:]))
	n.parent = binary.LittleEndian.Uint32(body[offParent:])
	n.nextLeaf = binary.LittleEndian.Uint32(body[offNextLeaf:])
	for i := 0; i < Order; i++ {
		n.keys[i] = int32(binary.LittleEndian.Uint32(body[offKeys+i*4:]))
	}
	for i := 0; i < numChildSl; i++ {
		n.children[i] = binary.LittleEndian.Uint32(body[offChildren+i*4:])
	}
	for i := 0; i < Order; i++ {
		n.values[i] = binary.LittleEndian.Uint32(body[offValues+i*4:])
	}
	return n
}

func (n *node) encode(body []byte) {
	body[offType] = n.nodeType
	body[1], body[2], body[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(body[offNumKeys:], uint32(n.numKeys))
	binary.LittleEndian.PutUint32(body[offParent:], n.parent)
	binary.LittleEndian.PutUint32(body[offNextLeaf:], n.nextLeaf)
	for i := 0; i < Order; i++ {
		binary.LittleEndian.PutUint32(body[offKeys+i*4:], uint32(n.keys[i]))
	}
	for i := 0; i < numChildSl; i++ {
		binary.LittleEndian.PutUint32(body[offChildren+i*4:], n.children[i])
	}
	for i := 0; i < Order; i++ {
		binary.LittleEndian.PutUint32(body[offValues+i*4:], n.values[i])
	}
}

// searchLeaf returns the index of key in a leaf node's keys, or the
// insertion point and false if absent.
func (n *node) searchLeaf(key int32) (int, bool) {
	lo, hi := 0, n.numKeys
	for lo < hi {
		mid := (lo + hi) / 2
		if n.keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n.numKeys && n.keys[lo] == key {
		return lo, true
	}
	return lo, false
}

// childIndex returns which children[] slot covers key in an internal
// node, per the convention children[i] holds keys < keys[i] and
// children[num_keys] holds the rest.
func (n *node) childIndex(key int32) int {
	lo, hi := 0, n.numKeys
	for lo < hi {
		mid := (lo + hi) / 2
		if n.keys[mid] <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

var errNodeFull = errors.New("btree: node is full")

// PageType is the page_type byte stamped on every B+Tree node page.
const PageType = storage.PageTypeBTree

// ErrNotFound is returned by Search and Delete for a missing key.
var ErrNotFound = common.ErrNotFound
