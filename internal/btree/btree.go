// Package btree implements the ordered secondary index used by each
// (database, table, column): a disk-backed B+tree mapping an encoded
// column value to the set of row ids holding that value, supporting
// point and range lookup.
//
// The node/page shape is modeled on an append-mostly B+tree node
// layout, narrowed to a single contract (no compression, no TTL, one
// value list per key) and kept as a self-contained in-memory structure
// persisted as one framed blob rather than a paged file format.
package btree

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// DefaultOrder is the minimum degree (t) used when none is configured.
// Each node holds at most 2t-1 keys.
const DefaultOrder = 32

type node struct {
	Leaf     bool
	Keys     [][]byte
	RowIDs   [][]uuid.UUID // parallel to Keys; only meaningful on leaves
	Children []int         // parallel to len(Keys)+1; only meaningful on internal nodes
	Next     int           // index of the next leaf in key order, -1 if none
}

// Tree is an in-memory B+tree keyed by arbitrary byte-encoded column
// values, persisted and reloaded as a whole via Save/Load.
type Tree struct {
	T     int
	Nodes []*node
	Root  int
}

// New creates an empty tree with the given minimum degree.
func New(order int) *Tree {
	if order < 2 {
		order = DefaultOrder
	}
	t := &Tree{T: order}
	root := &node{Leaf: true, Next: -1}
	t.Nodes = append(t.Nodes, root)
	t.Root = 0
	return t
}

func (t *Tree) maxKeys() int { return 2*t.T - 1 }

// Insert adds rowID under key, appending to any existing entry list for
// that exact key (supporting non-unique indexed columns).
func (t *Tree) Insert(key []byte, rowID uuid.UUID) {
	if len(t.Nodes[t.Root].Keys) == t.maxKeys() {
		t.splitRoot()
	}
	t.insertNonFull(t.Root, key, rowID)
}

func (t *Tree) splitRoot() {
	oldRootIdx := t.Root
	oldRoot := t.Nodes[oldRootIdx]

	newRoot := &node{Leaf: false, Next: -1}
	t.Nodes = append(t.Nodes, newRoot)
	newRootIdx := len(t.Nodes) - 1
	newRoot.Children = []int{oldRootIdx}
	t.Root = newRootIdx

	t.splitChild(newRootIdx, 0)
}

// splitChild splits the i-th child of parent (which must be full) into
// two nodes, promoting a separator key into parent.
func (t *Tree) splitChild(parentIdx, i int) {
	parent := t.Nodes[parentIdx]
	childIdx := parent.Children[i]
	child := t.Nodes[childIdx]

	mid := t.T - 1

	sibling := &node{Leaf: child.Leaf}
	if child.Leaf {
		sibling.Keys = append([][]byte(nil), child.Keys[t.T:]...)
		sibling.RowIDs = append([][]uuid.UUID(nil), child.RowIDs[t.T:]...)
		sibling.Next = child.Next
		child.Keys = child.Keys[:t.T]
		child.RowIDs = child.RowIDs[:t.T]
	} else {
		sibling.Keys = append([][]byte(nil), child.Keys[mid+1:]...)
		sibling.Children = append([]int(nil), child.Children[mid+1:]...)
		child.Keys = child.Keys[:mid]
		child.Children = child.Children[:mid+1]
	}

	t.Nodes = append(t.Nodes, sibling)
	siblingIdx := len(t.Nodes) - 1

	if child.Leaf {
		child.Next = siblingIdx
	}

	var promoted []byte
	if child.Leaf {
		promoted = sibling.Keys[0]
	} else {
		promoted = child.Keys[mid]
	}

	parent.Keys = append(parent.Keys, nil)
	copy(parent.Keys[i+1:], parent.Keys[i:])
	parent.Keys[i] = promoted

	parent.Children = append(parent.Children, 0)
	copy(parent.Children[i+2:], parent.Children[i+1:])
	parent.Children[i+1] = siblingIdx
}

func (t *Tree) insertNonFull(nodeIdx int, key []byte, rowID uuid.UUID) {
	n := t.Nodes[nodeIdx]
	if n.Leaf {
		idx := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) >= 0 })
		if idx < len(n.Keys) && bytes.Equal(n.Keys[idx], key) {
			n.RowIDs[idx] = append(n.RowIDs[idx], rowID)
			return
		}
		n.Keys = append(n.Keys, nil)
		copy(n.Keys[idx+1:], n.Keys[idx:])
		n.Keys[idx] = key

		n.RowIDs = append(n.RowIDs, nil)
		copy(n.RowIDs[idx+1:], n.RowIDs[idx:])
		n.RowIDs[idx] = []uuid.UUID{rowID}
		return
	}

	idx := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) > 0 })
	childIdx := n.Children[idx]
	if len(t.Nodes[childIdx].Keys) == t.maxKeys() {
		t.splitChild(nodeIdx, idx)
		n = t.Nodes[nodeIdx] // parent slice may have grown
		if bytes.Compare(key, n.Keys[idx]) >= 0 {
			idx++
		}
		childIdx = n.Children[idx]
	}
	t.insertNonFull(childIdx, key, rowID)
}

// leafFor descends to the leaf that would contain key.
func (t *Tree) leafFor(key []byte) *node {
	n := t.Nodes[t.Root]
	for !n.Leaf {
		idx := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) > 0 })
		n = t.Nodes[n.Children[idx]]
	}
	return n
}

// Search returns every row id stored under the exact key.
func (t *Tree) Search(key []byte) ([]uuid.UUID, bool) {
	leaf := t.leafFor(key)
	idx := sort.Search(len(leaf.Keys), func(i int) bool { return bytes.Compare(leaf.Keys[i], key) >= 0 })
	if idx < len(leaf.Keys) && bytes.Equal(leaf.Keys[idx], key) {
		return leaf.RowIDs[idx], true
	}
	return nil, false
}

// Range streams (key, rowIDs) for every key in [lo, hi] (either bound
// nil means unbounded) in ascending order, following leaf Next links.
func (t *Tree) Range(lo, hi []byte, fn func(key []byte, rowIDs []uuid.UUID) bool) {
	var leaf *node
	if lo != nil {
		leaf = t.leafFor(lo)
	} else {
		leaf = t.leftmostLeaf()
	}
	for leaf != nil {
		for i, k := range leaf.Keys {
			if lo != nil && bytes.Compare(k, lo) < 0 {
				continue
			}
			if hi != nil && bytes.Compare(k, hi) > 0 {
				return
			}
			if !fn(k, leaf.RowIDs[i]) {
				return
			}
		}
		if leaf.Next < 0 {
			leaf = nil
		} else {
			leaf = t.Nodes[leaf.Next]
		}
	}
}

func (t *Tree) leftmostLeaf() *node {
	n := t.Nodes[t.Root]
	for !n.Leaf {
		n = t.Nodes[n.Children[0]]
	}
	return n
}

// Delete removes rowID from key's entry list; if the list becomes
// empty the key itself is removed from its leaf. Returns
// ErrKeyNotFound if key has no entries. Unlike a textbook B-tree,
// leaves are not rebalanced on underflow: lookups and range scans stay
// correct on a skewed tree, so tolerating skew after many deletes trades
// a little lookup depth for a much simpler, harder-to-get-wrong
// deletion path.
func (t *Tree) Delete(key []byte, rowID uuid.UUID) error {
	leaf := t.leafFor(key)
	idx := sort.Search(len(leaf.Keys), func(i int) bool { return bytes.Compare(leaf.Keys[i], key) >= 0 })
	if idx >= len(leaf.Keys) || !bytes.Equal(leaf.Keys[idx], key) {
		return ErrKeyNotFound
	}
	ids := leaf.RowIDs[idx]
	kept := ids[:0]
	for _, id := range ids {
		if id != rowID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		leaf.Keys = append(leaf.Keys[:idx], leaf.Keys[idx+1:]...)
		leaf.RowIDs = append(leaf.RowIDs[:idx], leaf.RowIDs[idx+1:]...)
		return nil
	}
	leaf.RowIDs[idx] = kept
	return nil
}

// Len returns the number of distinct keys in the tree (a full scan;
// intended for tests and diagnostics, not the hot path).
func (t *Tree) Len() int {
	count := 0
	t.Range(nil, nil, func(key []byte, rowIDs []uuid.UUID) bool {
		count++
		return true
	})
	return count
}
