package prollytree

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/fireproof-storage/fireproof-go/blockstore"
	"github.com/fireproof-storage/fireproof-go/cid"
)

// ErrKeyNotFound is returned by Bulk when a delete mutation names a key
// that is not present in the tree.
var ErrKeyNotFound = errors.New("prollytree: key not found")

// Mutation is one change to apply in a Bulk call: a Put when Delete is
// false, otherwise a deletion of Key.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Create returns a new, empty tree backed by blocks. cache may be nil, in
// which case nodes are never memoized across loads.
func Create(blocks blockstore.Blockstore, cache NodeCache, branchFactor uint) *Tree {
	if branchFactor == 0 {
		branchFactor = DefaultBranchFactor
	}
	return &Tree{
		root:        nil,
		branchFactor: branchFactor,
		height:      0,
		size:        0,
		growAfter:   uint64(branchFactor),
		shrinkBelow: 1,
		blocks:      blocks,
		cache:       cache,
	}
}

// Load resolves a persisted root into a usable Tree handle. The root node
// itself is fetched and validated eagerly; the rest of the tree loads on
// demand.
func Load(ctx context.Context, blocks blockstore.Blockstore, cache NodeCache, branchFactor uint, root cid.CID, height uint8, size uint64) (*Tree, error) {
	if branchFactor == 0 {
		branchFactor = DefaultBranchFactor
	}
	shrinkBelow := uint64(1)
	for i := uint8(0); i < height; i++ {
		shrinkBelow *= uint64(branchFactor)
	}
	t := &Tree{
		root:        root,
		branchFactor: branchFactor,
		height:      height,
		size:        size,
		growAfter:   shrinkBelow * uint64(branchFactor),
		shrinkBelow: shrinkBelow,
		blocks:      blocks,
		cache:       cache,
	}
	if _, err := t.load(ctx, t.root); err != nil {
		return nil, fmt.Errorf("prollytree: load root %s: %w", root, err)
	}
	return t, nil
}

// RootCID returns the tree's current persisted root, and false if the
// tree is empty (never had a root stored).
func (t *Tree) RootCID() (cid.CID, bool) {
	c, ok := t.root.(cid.CID)
	return c, ok
}

// Height reports the number of levels between the leaves and the root.
func (t *Tree) Height() uint8 { return t.height }

// Size reports the number of entries in the tree.
func (t *Tree) Size() uint64 { return t.size }

// BranchFactor reports the expected number of entries per node used to
// build this tree's shape (the base of keyLayer).
func (t *Tree) BranchFactor() uint { return t.branchFactor }

// Clone returns a tree sharing this tree's persisted nodes, safe to
// mutate independently via Bulk.
func (t *Tree) Clone(ctx context.Context) (*Tree, error) {
	n, err := t.load(ctx, t.root)
	if err != nil {
		return nil, fmt.Errorf("prollytree: clone: %w", err)
	}
	shared, err := n.toShared()
	if err != nil {
		return nil, fmt.Errorf("prollytree: clone: %w", err)
	}
	cp := *t
	if _, ok := t.root.(cid.CID); ok {
		cp.root = t.root
	} else {
		cp.root = shared
	}
	return &cp, nil
}

// Get returns the value stored for key, and false if key is absent.
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if t.root == nil {
		return nil, false, nil
	}
	n, err := t.load(ctx, t.root)
	if err != nil {
		return nil, false, err
	}
	opts := findOptions{
		targetLayer:   uint8min(keyLayer(key, t.branchFactor), t.height),
		currentHeight: t.height,
	}
	n, i, err := n.findNode(ctx, t, key, &opts)
	if err != nil {
		return nil, false, err
	}
	if i >= len(n.Key) || opts.targetLayer != opts.currentHeight {
		return nil, false, nil
	}
	if compareKeys(n.Key[i], key) != 0 {
		return nil, false, nil
	}
	return n.Value[i], true, nil
}

// GetMany looks up every key, preserving the caller's order and omitting
// any key not present in the tree.
func (t *Tree) GetMany(ctx context.Context, keys [][]byte) ([]Entry, error) {
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, found, err := t.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	return out, nil
}

// Range returns every entry with a key in [lo, hi] (both inclusive),
// ordered by key. A nil hi means "no upper bound".
func (t *Tree) Range(ctx context.Context, lo, hi []byte) ([]Entry, error) {
	if t.root == nil {
		return nil, nil
	}
	n, err := t.load(ctx, t.root)
	if err != nil {
		return nil, err
	}
	var out []Entry
	err = n.rangeIter(ctx, t, lo, hi, func(k, v []byte) error {
		out = append(out, Entry{Key: k, Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Bulk clones the tree, applies every mutation in order, persists the
// resulting nodes, and returns the new tree handle together with the
// blocks that must be written to the blockstore for the new root to be
// retrievable. The receiver is left untouched.
func (t *Tree) Bulk(ctx context.Context, muts []Mutation) (*Tree, []blockstore.Block, error) {
	clone, err := t.Clone(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range muts {
		if m.Delete {
			if err := clone.delete(ctx, m.Key); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err := clone.insert(ctx, m.Key, m.Value); err != nil {
			return nil, nil, err
		}
	}
	if clone.root == nil {
		return clone, nil, nil
	}
	n, err := clone.load(ctx, clone.root)
	if err != nil {
		return nil, nil, err
	}
	if n.isEmpty() {
		// Every mutation cancelled out (e.g. deleting the tree's only
		// entry, or a no-op on an already-empty tree): keep the nil-root
		// representation Create uses for "empty tree" instead of trying
		// to persist an empty node.
		clone.root = nil
		return clone, nil, nil
	}
	var additions []blockstore.Block
	rootCID, err := clone.store(ctx, n, &additions)
	if err != nil {
		return nil, nil, err
	}
	clone.root = rootCID
	return clone, additions, nil
}

func (t *Tree) insert(ctx context.Context, key, value []byte) error {
	opts := findOptions{
		targetLayer:        uint8min(keyLayer(key, t.branchFactor), t.height),
		currentHeight:      t.height,
		createMissingNodes: true,
		path:               []pathEntry{},
	}
	n, err := t.load(ctx, t.root)
	if err != nil {
		return err
	}
	n, i, err := n.findNode(ctx, t, key, &opts)
	if err != nil {
		return err
	}
	if opts.targetLayer != opts.currentHeight {
		return fmt.Errorf("prollytree: bug: insert did not land on target layer")
	}
	if i < len(n.Key) && compareKeys(n.Key[i], key) == 0 {
		if bytes.Equal(n.Value[i], value) {
			return nil
		}
		n = n.toMut()
		n.dirty = true
		n.Value[i] = value
		opts.path[len(opts.path)-1].node = n
		t.savePathForRoot(opts.path)
		return nil
	}

	n = n.toMut()
	n.dirty = true
	if i < len(n.Key) {
		n.Key = append(n.Key[:i+1], n.Key[i:]...)
		n.Key[i] = key
		n.Value = append(n.Value[:i+1], n.Value[i:]...)
		n.Value[i] = value
	} else {
		n.Key = append(n.Key, key)
		n.Value = append(n.Value, value)
	}
	if i < len(n.Link) {
		n.Link = append(n.Link[:i+1], n.Link[i:]...)
	} else {
		n.Link = append(n.Link, nil)
	}

	var leftLink, rightLink link
	if n.Link[i] != nil {
		child, err := t.load(ctx, n.Link[i])
		if err != nil {
			return err
		}
		leftLink, rightLink, err = split(ctx, t, child, key)
		if err != nil {
			return fmt.Errorf("prollytree: split: %w", err)
		}
	} else {
		rightLink = n.Link[i]
	}
	n.Link[i] = leftLink
	n.Link[i+1] = rightLink
	opts.path[len(opts.path)-1].node = n
	t.savePathForRoot(opts.path)

	for t.size >= t.growAfter {
		if !opts.path[0].node.canGrow(t.height, t.branchFactor) {
			break
		}
		if err := t.grow(ctx); err != nil {
			return fmt.Errorf("prollytree: grow: %w", err)
		}
	}
	t.size++
	return nil
}

func (t *Tree) delete(ctx context.Context, key []byte) error {
	if t.root == nil {
		return fmt.Errorf("prollytree: delete %x: %w", key, ErrKeyNotFound)
	}
	n, err := t.load(ctx, t.root)
	if err != nil {
		return err
	}
	opts := findOptions{
		targetLayer:        uint8min(keyLayer(key, t.branchFactor), t.height),
		currentHeight:      t.height,
		createMissingNodes: false,
		path:               []pathEntry{},
	}
	n, i, err := n.findNode(ctx, t, key, &opts)
	if err != nil {
		return err
	}
	if opts.targetLayer != opts.currentHeight || i == len(n.Key) || compareKeys(n.Key[i], key) != 0 {
		return fmt.Errorf("prollytree: delete %x: %w", key, ErrKeyNotFound)
	}

	mergedLink, err := t.mergeNodes(ctx, n.Link[i], n.Link[i+1])
	if err != nil {
		return fmt.Errorf("prollytree: merge: %w", err)
	}
	n = n.toMut()
	n.dirty = true
	n.Key = append(n.Key[:i], n.Key[i+1:]...)
	n.Value = append(n.Value[:i], n.Value[i+1:]...)
	n.Link = append(n.Link[:i], n.Link[i+1:]...)
	n.Link[i] = mergedLink
	opts.path[len(opts.path)-1].node = n
	t.savePathForRoot(opts.path)

	t.size--
	for t.height > 0 && t.size < t.shrinkBelow {
		if err := t.shrink(ctx); err != nil {
			return fmt.Errorf("prollytree: shrink: %w", err)
		}
	}
	return nil
}
