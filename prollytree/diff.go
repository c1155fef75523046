package prollytree

import (
	"bytes"
	"context"
	"fmt"
)

// Entry is one key/value pair yielded by iteration, ranging, or diffing.
type Entry struct {
	Key   []byte
	Value []byte
}

type iterItem struct {
	considerLink link
	hasYield     bool
	yield        Entry
}

type iterItemStack struct {
	things []iterItem
}

func newIterItemStack(l link) iterItemStack {
	return iterItemStack{[]iterItem{{considerLink: l}}}
}

func (s *iterItemStack) pop() *iterItem {
	if len(s.things) == 0 {
		return nil
	}
	popped := s.things[len(s.things)-1]
	s.things = s.things[:len(s.things)-1]
	return &popped
}

func (s *iterItemStack) push(item iterItem) { s.things = append(s.things, item) }

func (s *iterItemStack) pushLink(l link) {
	if l != nil {
		s.push(iterItem{considerLink: l})
	}
}

func (s *iterItemStack) pushYield(n *node, i int) {
	s.push(iterItem{hasYield: true, yield: Entry{n.Key[i], n.Value[i]}})
}

func (s *iterItemStack) pushNode(n *node) {
	for i := len(n.Key); i >= 1; i-- {
		s.pushLink(n.Link[i])
		s.pushYield(n, i-1)
	}
	s.pushLink(n.Link[0])
}

// Change is one entry difference surfaced by Diff: exactly one of Added or
// Removed is true, or both are false to signify a changed value.
type Change struct {
	Added    bool
	Removed  bool
	Key      []byte
	NewValue []byte
	OldValue []byte
}

// Diff reports every entry that differs between t (the newer tree) and old
// (the older tree, which may be nil to mean "empty"), in ascending key
// order. It is the basis for computing a changes-since delta without
// visiting unchanged subtrees, ported from the teacher library's diff.go.
func (t *Tree) Diff(ctx context.Context, old *Tree, f func(Change) (keepGoing bool, err error)) error {
	var oldStack iterItemStack
	var oldRoot *Tree
	if old != nil {
		oldStack = newIterItemStack(old.root)
		oldRoot = old
	} else {
		oldStack = newIterItemStack(nil)
		oldRoot = t
	}
	newStack := newIterItemStack(t.root)

	for {
		o := oldStack.pop()
		n := newStack.pop()
		if o == nil && n == nil {
			return nil
		}
		if o == nil {
			keepGoing, err := t.diffOneSided(ctx, n, false, f)
			if err != nil || !keepGoing {
				return err
			}
			if n.considerLink != nil {
				nn, err := t.load(ctx, n.considerLink)
				if err != nil {
					return fmt.Errorf("prollytree: diff load: %w", err)
				}
				newStack.pushNode(nn)
			}
			continue
		}
		if n == nil {
			keepGoing, err := oldRoot.diffOneSided(ctx, o, true, f)
			if err != nil || !keepGoing {
				return err
			}
			if o.considerLink != nil {
				on, err := oldRoot.load(ctx, o.considerLink)
				if err != nil {
					return fmt.Errorf("prollytree: diff load: %w", err)
				}
				oldStack.pushNode(on)
			}
			continue
		}

		switch {
		case o.considerLink != nil && n.considerLink != nil:
			if o.considerLink == n.considerLink {
				continue
			}
			oldNode, err := oldRoot.load(ctx, o.considerLink)
			if err != nil {
				return fmt.Errorf("prollytree: diff load old: %w", err)
			}
			if len(oldNode.Link) == 1 {
				oldStack.pushLink(oldNode.Link[0])
				newStack.push(*n)
				continue
			}
			newNode, err := t.load(ctx, n.considerLink)
			if err != nil {
				return fmt.Errorf("prollytree: diff load new: %w", err)
			}
			if len(newNode.Link) == 1 {
				oldStack.push(*o)
				newStack.pushLink(newNode.Link[0])
				continue
			}
			cmp := compareKeys(oldNode.Key[0], newNode.Key[0])
			switch {
			case cmp < 0:
				oldStack.pushNode(oldNode)
				newStack.push(*n)
			case cmp > 0:
				oldStack.push(*o)
				newStack.pushNode(newNode)
			default:
				oldStack.pushNode(oldNode)
				newStack.pushNode(newNode)
			}
		case o.considerLink != nil:
			oldNode, err := oldRoot.load(ctx, o.considerLink)
			if err != nil {
				return fmt.Errorf("prollytree: diff load old: %w", err)
			}
			oldStack.pushNode(oldNode)
			newStack.push(*n)
		case n.considerLink != nil:
			newNode, err := t.load(ctx, n.considerLink)
			if err != nil {
				return fmt.Errorf("prollytree: diff load new: %w", err)
			}
			oldStack.push(*o)
			newStack.pushNode(newNode)
		default:
			cmp := compareKeys(o.yield.Key, n.yield.Key)
			switch {
			case cmp < 0:
				newStack.push(*n)
				keepGoing, err := f(Change{Removed: true, Key: o.yield.Key, OldValue: o.yield.Value})
				if err != nil || !keepGoing {
					return err
				}
			case cmp == 0:
				if !bytes.Equal(o.yield.Value, n.yield.Value) {
					keepGoing, err := f(Change{Key: n.yield.Key, NewValue: n.yield.Value, OldValue: o.yield.Value})
					if err != nil || !keepGoing {
						return err
					}
				}
			default:
				oldStack.push(*o)
				keepGoing, err := f(Change{Added: true, Key: n.yield.Key, NewValue: n.yield.Value})
				if err != nil || !keepGoing {
					return err
				}
			}
		}
	}
}

func (t *Tree) diffOneSided(ctx context.Context, item *iterItem, removed bool, f func(Change) (bool, error)) (bool, error) {
	if item.considerLink != nil {
		return true, nil
	}
	if removed {
		return f(Change{Removed: true, Key: item.yield.Key, OldValue: item.yield.Value})
	}
	return f(Change{Added: true, Key: item.yield.Key, NewValue: item.yield.Value})
}
