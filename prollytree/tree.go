package prollytree

import (
	"context"
	"fmt"
	"sort"

	"github.com/fireproof-storage/fireproof-go/blockstore"
	"github.com/fireproof-storage/fireproof-go/cid"
)

// DefaultBranchFactor is the expected number of entries per node, matching
// the teacher library's default. Node boundaries are content-defined by
// keyLayer, so individual nodes hold more or fewer entries than this.
const DefaultBranchFactor = 16

// Tree is the in-memory handle to a persisted Merkle Search Tree: the
// probabilistic balanced content-defined B-tree that materialises a
// database's key-value state.
type Tree struct {
	root         link
	branchFactor uint
	height       uint8
	size         uint64
	growAfter    uint64
	shrinkBelow  uint64
	blocks       blockstore.Blockstore
	cache        NodeCache
}

type pathEntry struct {
	node      *node
	linkIndex int
}

type findOptions struct {
	targetLayer        uint8
	currentHeight      uint8
	createMissingNodes bool
	path               []pathEntry
}

func (t *Tree) savePathForRoot(path []pathEntry) {
	for i := 0; i < len(path); i++ {
		if !path[i].node.dirty {
			path[i].node = path[i].node.toMut()
			path[i].node.dirty = true
		}
	}
	for i := len(path) - 2; i >= 0; i-- {
		entry := path[i]
		if !path[i+1].node.isEmpty() {
			entry.node.Link[entry.linkIndex] = path[i+1].node
		} else {
			entry.node.Link[entry.linkIndex] = nil
		}
	}
	if !path[0].node.isEmpty() {
		t.root = path[0].node
	} else {
		t.root = nil
	}
}

func (n *node) findNode(ctx context.Context, t *Tree, key []byte, opts *findOptions) (*node, int, error) {
	i := len(n.Key)
	if len(n.Link) != i+1 {
		return nil, 0, fmt.Errorf("prollytree: node %d keys but %d links", i, len(n.Link))
	}
	cmp := -1
	if i > 0 {
		cmp = compareKeys(key, n.Key[i-1])
		if cmp <= 0 {
			i--
		}
	}
	if cmp < 0 {
		i = sort.Search(i, func(j int) bool {
			return compareKeys(key, n.Key[j]) <= 0
		})
		if i < len(n.Key) {
			cmp = compareKeys(key, n.Key[i])
		} else {
			cmp = -1
		}
	}
	opts.path = append(opts.path, pathEntry{n, i})
	if cmp == 0 || opts.currentHeight == opts.targetLayer {
		return n, i, nil
	}
	child, err := n.follow(ctx, t, i, opts.createMissingNodes)
	if err != nil {
		return nil, 0, fmt.Errorf("prollytree: follow %d: %w", i, err)
	}
	opts.currentHeight--
	return child.findNode(ctx, t, key, opts)
}

func (n *node) follow(ctx context.Context, t *Tree, i int, createOK bool) (*node, error) {
	if n.Link[i] != nil {
		return t.load(ctx, n.Link[i])
	}
	if !createOK {
		return n, nil
	}
	// The new child is linked into (a mutable copy of) n by
	// savePathForRoot; n itself may be a shared node and is not touched.
	return emptyNodePointer(int(t.branchFactor)), nil
}

// split partitions node into two siblings around key (which must not
// already be present), so the caller can insert key between them.
func split(ctx context.Context, t *Tree, n *node, key []byte) (leftLink, rightLink link, err error) {
	splitIndex := 0
	for splitIndex < len(n.Key) {
		cmp := compareKeys(n.Key[splitIndex], key)
		if cmp == 0 {
			return nil, nil, fmt.Errorf("prollytree: bug: split encountered existing key")
		}
		if cmp > 0 {
			break
		}
		splitIndex++
	}

	left := node{
		Key:   append([][]byte{}, n.Key[:splitIndex]...),
		Value: append([][]byte{}, n.Value[:splitIndex]...),
		Link:  append([]link{}, n.Link[:splitIndex+1]...),
		dirty: true,
	}
	var tooBig link
	leftMaxLink := left.Link[len(left.Link)-1]
	if leftMaxLink != nil {
		leftMax, err := t.load(ctx, leftMaxLink)
		if err != nil {
			return nil, nil, fmt.Errorf("prollytree: load left-max: %w", err)
		}
		leftMaxLink, tooBig, err = split(ctx, t, leftMax, key)
		if err != nil {
			return nil, nil, err
		}
		left.Link[len(left.Link)-1] = leftMaxLink
	}
	if !left.isEmpty() {
		leftLink, err = t.storeDirty(ctx, &left)
		if err != nil {
			return nil, nil, err
		}
	}

	right := node{
		Key:   append([][]byte{}, n.Key[splitIndex:]...),
		Value: append([][]byte{}, n.Value[splitIndex:]...),
		Link:  append([]link{}, n.Link[splitIndex:]...),
		dirty: true,
	}
	right.Link[0] = tooBig
	rightMinLink := right.Link[0]
	if rightMinLink != nil {
		rightMin, err := t.load(ctx, rightMinLink)
		if err != nil {
			return nil, nil, fmt.Errorf("prollytree: load right-min: %w", err)
		}
		var tooSmall link
		tooSmall, rightMinLink, err = split(ctx, t, rightMin, key)
		if err != nil {
			return nil, nil, err
		}
		right.Link[0] = rightMinLink
		if tooSmall != nil {
			return nil, nil, fmt.Errorf("prollytree: bug: inconsistent node order")
		}
	}
	if !right.isEmpty() {
		rightLink, err = t.storeDirty(ctx, &right)
		if err != nil {
			return nil, nil, err
		}
	}
	return leftLink, rightLink, nil
}

// storeDirty keeps a freshly-built node in memory (as a *node link) rather
// than encoding it immediately; it is flushed for real when the whole
// batch's root is persisted. This mirrors the teacher library's lazy
// in-memory tree, deferring codec/CID work until MakeRoot/Bulk returns.
func (t *Tree) storeDirty(ctx context.Context, n *node) (link, error) {
	if err := validateNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node) canGrow(currentHeight uint8, branchFactor uint) bool {
	for _, key := range n.Key {
		if keyLayer(key, branchFactor) > currentHeight {
			return true
		}
	}
	return false
}

func (t *Tree) grow(ctx context.Context) error {
	n, err := t.load(ctx, t.root)
	if err != nil {
		return fmt.Errorf("prollytree: load root: %w", err)
	}
	newNode := emptyNode(int(t.branchFactor))
	start := 0
	for i, key := range n.Key {
		if keyLayer(key, t.branchFactor) <= t.height {
			continue
		}
		left := n.extract(start, i)
		var leftLink link
		if left != nil {
			leftLink, err = t.storeDirty(ctx, left)
			if err != nil {
				return err
			}
		}
		newNode.Key = append(newNode.Key, key)
		newNode.Value = append(newNode.Value, n.Value[i])
		newNode.Link[len(newNode.Link)-1] = leftLink
		newNode.Link = append(newNode.Link, nil)
		start = i + 1
	}
	right := n.extract(start, len(n.Key))
	if right != nil {
		rightLink, err := t.storeDirty(ctx, right)
		if err != nil {
			return err
		}
		newNode.Link[len(newNode.Link)-1] = rightLink
	}
	newNode.dirty = true
	newLink, err := t.storeDirty(ctx, &newNode)
	if err != nil {
		return err
	}
	t.root = newLink
	t.height++
	t.shrinkBelow = t.growAfter
	t.growAfter *= uint64(t.branchFactor)
	return nil
}

func (t *Tree) shrink(ctx context.Context) error {
	if t.height == 0 {
		return fmt.Errorf("prollytree: tree too short to shrink")
	}
	if t.root == nil {
		return nil
	}
	n, err := t.load(ctx, t.root)
	if err != nil {
		return fmt.Errorf("prollytree: load root: %w", err)
	}
	newNode := node{
		Key:   make([][]byte, 0, t.branchFactor),
		Value: make([][]byte, 0, t.branchFactor),
		Link:  make([]link, 0, t.branchFactor+1),
		dirty: true,
	}
	for i := range n.Link {
		if n.Link[i] != nil {
			child, err := t.load(ctx, n.Link[i])
			if err != nil {
				return fmt.Errorf("prollytree: load child: %w", err)
			}
			newNode.Key = append(newNode.Key, child.Key...)
			newNode.Value = append(newNode.Value, child.Value...)
			newNode.Link = append(newNode.Link, child.Link...)
		} else {
			newNode.Link = append(newNode.Link, nil)
		}
		if i < len(n.Key) {
			newNode.Key = append(newNode.Key, n.Key[i])
			newNode.Value = append(newNode.Value, n.Value[i])
		}
	}
	if err := validateNode(&newNode); err != nil {
		return err
	}
	if !newNode.isEmpty() {
		newLink, err := t.storeDirty(ctx, &newNode)
		if err != nil {
			return err
		}
		t.root = newLink
	} else {
		t.root = nil
	}
	t.height--
	if t.shrinkBelow > 1 {
		t.shrinkBelow /= uint64(t.branchFactor)
		t.growAfter /= uint64(t.branchFactor)
	}
	return nil
}

func (t *Tree) mergeNodes(ctx context.Context, leftLink, rightLink link) (link, error) {
	if leftLink == nil {
		return rightLink, nil
	}
	if rightLink == nil {
		return leftLink, nil
	}
	left, err := t.load(ctx, leftLink)
	if err != nil {
		return nil, fmt.Errorf("prollytree: load left: %w", err)
	}
	right, err := t.load(ctx, rightLink)
	if err != nil {
		return nil, fmt.Errorf("prollytree: load right: %w", err)
	}
	combined := node{
		Key:   append([][]byte{}, left.Key...),
		Value: append([][]byte{}, left.Value...),
		Link:  append([]link{}, left.Link[:len(left.Link)-1]...),
		dirty: true,
	}
	combined.Key = append(combined.Key, right.Key...)
	combined.Value = append(combined.Value, right.Value...)
	combined.Link = append(combined.Link, nil)
	combined.Link = append(combined.Link, right.Link[1:]...)
	mergedMiddle, err := t.mergeNodes(ctx, left.Link[len(left.Link)-1], right.Link[0])
	if err != nil {
		return nil, fmt.Errorf("prollytree: merge: %w", err)
	}
	combined.Link[len(left.Link)-1] = mergedMiddle
	return t.storeDirty(ctx, &combined)
}

func (n *node) toShared() (*node, error) {
	if n.shared {
		return n, nil
	}
	cp := n.xcopy()
	for i, l := range cp.Link {
		switch v := l.(type) {
		case *node:
			shared, err := v.toShared()
			if err != nil {
				return nil, err
			}
			cp.Link[i] = shared
		case cid.CID, nil:
		default:
			return nil, fmt.Errorf("prollytree: unhandled link type %T", v)
		}
	}
	cp.shared = true
	return cp, nil
}

// rangeIter visits every entry in key order, descending into a child only
// when its key range can contain something in [lo, hi]. Children are
// bounded by their neighboring separator keys in the parent, so a child
// between separators s[i-1] and s[i] is skipped once s[i-1] already
// exceeds hi, or once lo already exceeds s[i].
func (n *node) rangeIter(ctx context.Context, t *Tree, lo, hi []byte, f func(key, value []byte) error) error {
	for i, l := range n.Link {
		if l != nil {
			descend := true
			if i > 0 && hi != nil && compareKeys(n.Key[i-1], hi) > 0 {
				descend = false
			}
			if i < len(n.Key) && compareKeys(n.Key[i], lo) < 0 {
				descend = false
			}
			if descend {
				child, err := t.load(ctx, l)
				if err != nil {
					return err
				}
				if err := child.rangeIter(ctx, t, lo, hi, f); err != nil {
					return err
				}
			}
		}
		if i < len(n.Key) {
			k := n.Key[i]
			if compareKeys(k, lo) >= 0 && (hi == nil || compareKeys(k, hi) <= 0) {
				if err := f(k, n.Value[i]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
