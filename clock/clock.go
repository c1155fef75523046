// Package clock implements the Merkle DAG of event blocks that records a
// database's causal history, and the head-management rules that keep the
// frontier set free of ancestor/descendant redundancy. The traversal style
// (explicit stack, memoised visited set) is grounded on the teacher Merkle
// Search Tree's diff.go; the head-as-frontier-set approach is grounded on
// ipfs-go-ds-crdt's heads component.
package clock

import (
	"context"
	"fmt"
	"sort"

	"github.com/fireproof-storage/fireproof-go/blockstore"
	"github.com/fireproof-storage/fireproof-go/cid"
	"github.com/fireproof-storage/fireproof-go/codec"
)

// Op tags the kind of mutation an event records.
type Op uint8

const (
	// OpPut records a key/value write.
	OpPut Op = iota
	// OpDel records a key deletion.
	OpDel
)

// EventData is the Put/Del tagged variant payload of an event block.
type EventData struct {
	Op    Op     `cbor:"1,keyasint"`
	Key   string `cbor:"2,keyasint"`
	Value []byte `cbor:"3,keyasint,omitempty"`
}

// EventRecord is the on-disk shape of an event block: parents plus data.
// Parent CIDs are stored sorted to keep the encoding canonical.
type EventRecord struct {
	Parents [][]byte  `cbor:"1,keyasint"`
	Data    EventData `cbor:"2,keyasint"`
}

// Event is an EventRecord paired with the CID it hashes to.
type Event struct {
	CID     cid.CID
	Parents []cid.CID
	Data    EventData
}

// MissingEventError is returned when an ancestry walk needs a block that
// is not present in the block store.
type MissingEventError struct {
	CID cid.CID
	Err error
}

func (e *MissingEventError) Error() string {
	return fmt.Sprintf("clock: missing event %s: %v", e.CID, e.Err)
}

func (e *MissingEventError) Unwrap() error { return e.Err }

// Head is the unordered set of frontier event CIDs: events known locally
// that are not ancestors of any other known event. An empty head denotes
// an empty database.
type Head []cid.CID

// Clone returns a copy of the head so callers can mutate it freely.
func (h Head) Clone() Head {
	out := make(Head, len(h))
	copy(out, h)
	return out
}

// Contains reports whether c is present in the head.
func (h Head) Contains(c cid.CID) bool {
	for _, e := range h {
		if e.Equals(c) {
			return true
		}
	}
	return false
}

// Sorted returns the head ordered by CID byte order, the deterministic
// tiebreak used throughout this package so that equal head sets compare
// and encode identically regardless of accumulation order.
func (h Head) Sorted() Head {
	out := h.Clone()
	sort.Slice(out, func(i, j int) bool { return cid.Less(out[i], out[j]) })
	return out
}

// CreateEvent encodes {parents, data}, stores the resulting block through
// blockstore.PutCodec, and returns the persisted Event.
func CreateEvent(ctx context.Context, bs blockstore.Blockstore, parents Head, data EventData) (Event, error) {
	sorted := parents.Sorted()
	rec := EventRecord{Data: data}
	for _, p := range sorted {
		rec.Parents = append(rec.Parents, p.Bytes())
	}
	encoded, err := codec.Marshal(rec)
	if err != nil {
		return Event{}, fmt.Errorf("clock: encode event: %w", err)
	}
	c, err := blockstore.PutCodec(ctx, bs, cid.CodecEvent, encoded)
	if err != nil {
		return Event{}, fmt.Errorf("clock: persist event: %w", err)
	}
	return Event{CID: c, Parents: sorted, Data: data}, nil
}

// Load retrieves and decodes the event named by c.
func Load(ctx context.Context, bs blockstore.Blockstore, c cid.CID) (Event, error) {
	b, err := bs.Get(ctx, c)
	if err != nil {
		return Event{}, &MissingEventError{CID: c, Err: err}
	}
	var rec EventRecord
	if err := codec.Unmarshal(b.Bytes, &rec); err != nil {
		return Event{}, &blockstore.DecodeError{CID: c, Err: err}
	}
	ev := Event{CID: c, Data: rec.Data}
	for _, pb := range rec.Parents {
		pc, err := cid.CastFromBytes(pb)
		if err != nil {
			return Event{}, fmt.Errorf("clock: decode parent of %s: %w", c, err)
		}
		ev.Parents = append(ev.Parents, pc)
	}
	return ev, nil
}

// isAncestor reports whether candidate is an ancestor of (or equal to, per
// includeSelf) start, via bounded BFS through parents.
func isAncestor(ctx context.Context, bs blockstore.Blockstore, start, candidate cid.CID, includeSelf bool) (bool, error) {
	if includeSelf && start.Equals(candidate) {
		return true, nil
	}
	visited := map[string]bool{start.KeyString(): true}
	queue := []cid.CID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ev, err := Load(ctx, bs, cur)
		if err != nil {
			return false, err
		}
		for _, p := range ev.Parents {
			if p.Equals(candidate) {
				return true, nil
			}
			key := p.KeyString()
			if visited[key] {
				continue
			}
			visited[key] = true
			queue = append(queue, p)
		}
	}
	return false, nil
}

// IsReachable reports whether ancestor is reachable by walking parents
// from start (including start itself). Used by the engine's conflict
// resolver to tell whether one event supersedes another.
func IsReachable(ctx context.Context, bs blockstore.Blockstore, start, ancestor cid.CID) (bool, error) {
	return isAncestor(ctx, bs, start, ancestor, true)
}

// Advance applies a new event CID to a head, per the rules in the
// component design: redundant heads are dropped, genuinely-concurrent
// heads are kept, and the operation is idempotent.
func Advance(ctx context.Context, bs blockstore.Blockstore, head Head, newEvent cid.CID) (Head, error) {
	if head.Contains(newEvent) {
		return head, nil
	}

	next := make(Head, 0, len(head)+1)
	newIsAncestorOfSome := false
	for _, h := range head {
		if newIsAncestorOfSome {
			next = append(next, h)
			continue
		}
		hIsAncestorOfNew, err := isAncestor(ctx, bs, newEvent, h, false)
		if err != nil {
			return nil, err
		}
		if hIsAncestorOfNew {
			// h is superseded by newEvent; drop it.
			continue
		}
		newIsAncestor, err := isAncestor(ctx, bs, h, newEvent, false)
		if err != nil {
			return nil, err
		}
		if newIsAncestor {
			newIsAncestorOfSome = true
		}
		next = append(next, h)
	}
	if newIsAncestorOfSome {
		return head.Clone(), nil
	}
	next = append(next, newEvent)
	return next.Sorted(), nil
}

// Since walks every event reachable from head that is not reachable from
// sinceHead, returning them in reverse-topological order (children before
// parents), with concurrent branches ordered deterministically by CID
// byte order.
func Since(ctx context.Context, bs blockstore.Blockstore, head, sinceHead Head) ([]Event, error) {
	excluded := map[string]bool{}
	for _, s := range sinceHead {
		if err := collectAncestry(ctx, bs, s, excluded); err != nil {
			return nil, err
		}
	}

	var out []Event
	visited := map[string]bool{}
	// Process frontier in deterministic order so ties between concurrent
	// branches resolve the same way on every replica.
	frontier := head.Sorted()
	var walk func(c cid.CID) error
	walk = func(c cid.CID) error {
		key := c.KeyString()
		if visited[key] || excluded[key] {
			return nil
		}
		visited[key] = true
		ev, err := Load(ctx, bs, c)
		if err != nil {
			return err
		}
		parents := make([]cid.CID, len(ev.Parents))
		copy(parents, ev.Parents)
		sort.Slice(parents, func(i, j int) bool { return cid.Less(parents[i], parents[j]) })
		for _, p := range parents {
			if err := walk(p); err != nil {
				return err
			}
		}
		out = append(out, ev)
		return nil
	}
	for _, f := range frontier {
		if err := walk(f); err != nil {
			return nil, err
		}
	}
	// out is a post-order (parents before children); reverse it.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// collectAncestry adds start and every ancestor reachable from it to set.
func collectAncestry(ctx context.Context, bs blockstore.Blockstore, start cid.CID, set map[string]bool) error {
	queue := []cid.CID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		key := cur.KeyString()
		if set[key] {
			continue
		}
		set[key] = true
		ev, err := Load(ctx, bs, cur)
		if err != nil {
			return err
		}
		queue = append(queue, ev.Parents...)
	}
	return nil
}
