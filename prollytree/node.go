// Package prollytree implements the probabilistic balanced search tree
// (Merkle Search Tree) that materialises the database's key-value state.
// The algorithm — content-defined node boundaries via a deterministic
// per-key layer function, split/grow/shrink instead of classical
// B-tree rotations — is ported from the teacher library's lib.go/pub.go,
// generalized from interface{} keys/values to the fixed []byte/[]byte
// shape this database needs, and rewired to persist through a CID-keyed
// Blockstore with canonical-CBOR encoding instead of a named JSON store.
package prollytree

import (
	"fmt"
)

// link is either nil (no child/root), a persisted child identified by CID
// (see cidLink in store.go), or an in-memory *node awaiting flush.
type link interface{}

// node is one block of the tree: N keys, N values, N+1 child links.
type node struct {
	Key   [][]byte
	Value [][]byte
	Link  []link

	dirty  bool
	shared bool
}

func emptyNode(branchFactor int) node {
	n := node{
		Key:   make([][]byte, 0, branchFactor),
		Value: make([][]byte, 0, branchFactor),
		Link:  make([]link, 1, branchFactor+1),
	}
	n.Link[0] = nil
	return n
}

func emptyNodePointer(branchFactor int) *node {
	n := emptyNode(branchFactor)
	return &n
}

func (n *node) isEmpty() bool {
	return len(n.Link) == 1 && n.Link[0] == nil
}

func (n *node) xcopy() *node {
	out := node{
		Key:    append([][]byte{}, n.Key...),
		Value:  append([][]byte{}, n.Value...),
		Link:   append([]link{}, n.Link...),
		dirty:  n.dirty,
		shared: n.shared,
	}
	return &out
}

// toMut returns a node safe to mutate in place: itself if already
// exclusively owned, or a fresh copy-on-write clone if shared (e.g. after
// Clone).
func (n *node) toMut() *node {
	if !n.shared {
		return n
	}
	return n.xcopy()
}

func (n *node) extract(from, to int) *node {
	child := emptyNode(cap(n.Key))
	child.Key = append([][]byte{}, n.Key[from:to]...)
	child.Value = append([][]byte{}, n.Value[from:to]...)
	child.Link = append([]link{}, n.Link[from:to+1]...)
	if child.isEmpty() {
		return nil
	}
	child.dirty = true
	return &child
}

func validateNode(n *node) error {
	if len(n.Key) != len(n.Value) {
		return fmt.Errorf("prollytree: node has %d keys but %d values", len(n.Key), len(n.Value))
	}
	if len(n.Link) != len(n.Key)+1 {
		return fmt.Errorf("prollytree: node has %d keys but %d links", len(n.Key), len(n.Link))
	}
	for i := 1; i < len(n.Key); i++ {
		if compareKeys(n.Key[i-1], n.Key[i]) >= 0 {
			return fmt.Errorf("prollytree: node keys out of order")
		}
	}
	return nil
}
