package prollytree

import (
	"context"
	"fmt"

	"github.com/fireproof-storage/fireproof-go/blockstore"
	"github.com/fireproof-storage/fireproof-go/cid"
	"github.com/fireproof-storage/fireproof-go/codec"
)

// nodeRecord is the on-disk shape of a node block. Key and Value are each
// a flattened, varint-length-prefixed sequence of the node's key/value
// entries (codec.AppendLengthPrefixed/TakeLengthPrefixed) rather than a
// CBOR array of byte strings, matching the framing the teacher's Merkle
// Search Tree codec uses inside a node record. Link is the node's child
// CIDs (empty element means "no child").
type nodeRecord struct {
	Key   []byte   `cbor:"1,keyasint"`
	Value []byte   `cbor:"2,keyasint"`
	Link  [][]byte `cbor:"3,keyasint,omitempty"`
}

// splitLengthPrefixed decodes a flattened nodeRecord.Key/Value buffer back
// into its individual entries.
func splitLengthPrefixed(buf []byte) ([][]byte, error) {
	var out [][]byte
	for len(buf) > 0 {
		body, rest, err := codec.TakeLengthPrefixed(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, body)
		buf = rest
	}
	return out, nil
}

func (t *Tree) load(ctx context.Context, l link) (*node, error) {
	switch v := l.(type) {
	case nil:
		return emptyNodePointer(int(t.branchFactor)), nil
	case *node:
		return v, nil
	case cid.CID:
		return t.loadPersisted(ctx, v)
	default:
		return nil, fmt.Errorf("prollytree: unknown link type %T", v)
	}
}

func (t *Tree) loadPersisted(ctx context.Context, c cid.CID) (*node, error) {
	if t.cache != nil {
		if n, ok := t.cache.Get(c); ok {
			return n.(*node), nil
		}
	}
	b, err := t.blocks.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("prollytree: load node %s: %w", c, err)
	}
	var rec nodeRecord
	if err := codec.Unmarshal(b.Bytes, &rec); err != nil {
		return nil, &blockstore.DecodeError{CID: c, Err: err}
	}
	keys, err := splitLengthPrefixed(rec.Key)
	if err != nil {
		return nil, &blockstore.DecodeError{CID: c, Err: fmt.Errorf("key vector: %w", err)}
	}
	values, err := splitLengthPrefixed(rec.Value)
	if err != nil {
		return nil, &blockstore.DecodeError{CID: c, Err: fmt.Errorf("value vector: %w", err)}
	}
	n := node{Key: keys, Value: values, shared: true}
	n.Link = make([]link, len(n.Key)+1)
	if len(rec.Link) == 0 {
		n.Link[0] = nil
	} else {
		for i, lb := range rec.Link {
			if len(lb) == 0 {
				n.Link[i] = nil
				continue
			}
			lc, err := cid.CastFromBytes(lb)
			if err != nil {
				return nil, fmt.Errorf("prollytree: decode child link in %s: %w", c, err)
			}
			n.Link[i] = lc
		}
	}
	if err := validateNode(&n); err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Add(c, &n)
	}
	return &n, nil
}

// store recursively flushes dirty in-memory children, encodes n, and
// returns the CID it was (or already had been) stored under. additions
// collects every newly-written block so callers can report them.
func (t *Tree) store(ctx context.Context, n *node, additions *[]blockstore.Block) (cid.CID, error) {
	if n.isEmpty() {
		return cid.Undef, fmt.Errorf("prollytree: bug: attempted to store an empty node")
	}
	linkBytes := make([][]byte, len(n.Link))
	anyLink := false
	for i, l := range n.Link {
		switch v := l.(type) {
		case nil:
			linkBytes[i] = nil
		case cid.CID:
			linkBytes[i] = v.Bytes()
			anyLink = true
		case *node:
			childCID, err := t.store(ctx, v, additions)
			if err != nil {
				return cid.Undef, err
			}
			n.Link[i] = childCID
			linkBytes[i] = childCID.Bytes()
			anyLink = true
		default:
			return cid.Undef, fmt.Errorf("prollytree: unknown link type %T", v)
		}
	}
	if !anyLink {
		linkBytes = nil
	}
	var keyBuf, valueBuf []byte
	for i := range n.Key {
		keyBuf = codec.AppendLengthPrefixed(keyBuf, n.Key[i])
		valueBuf = codec.AppendLengthPrefixed(valueBuf, n.Value[i])
	}
	rec := nodeRecord{Key: keyBuf, Value: valueBuf, Link: linkBytes}
	encoded, err := codec.Marshal(rec)
	if err != nil {
		return cid.Undef, fmt.Errorf("prollytree: encode node: %w", err)
	}
	c, err := cid.Of(cid.CodecNode, encoded)
	if err != nil {
		return cid.Undef, fmt.Errorf("prollytree: hash node: %w", err)
	}
	if t.cache != nil && t.cache.Contains(c) {
		return c, nil
	}
	b := blockstore.Block{CID: c, Bytes: encoded}
	*additions = append(*additions, b)
	if t.cache != nil {
		// A cached node may be handed to any later tree, so it is marked
		// shared (and clean) to force copy-on-write before any mutation.
		n.dirty = false
		n.shared = true
		t.cache.Add(c, n)
	}
	return c, nil
}
