// Package fireproof implements an embedded, content-addressed document
// database: a Merkle-clock event log recording causal history, materialised
// into a probabilistic balanced search tree (a prolly tree) for ordered
// key-value access. Every block — event or tree node — is addressed by its
// SHA-256 CID, so two replicas that apply the same set of writes converge to
// identical state regardless of the order operations were received in.
//
// A Database is opened against a Blockstore and is safe for use by a single
// goroutine at a time; see the clock, prollytree, blockstore, and index
// subpackages for the pieces it wires together.
package fireproof

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fireproof-storage/fireproof-go/blockstore"
	"github.com/fireproof-storage/fireproof-go/cid"
	"github.com/fireproof-storage/fireproof-go/clock"
	"github.com/fireproof-storage/fireproof-go/prollytree"
	"github.com/fireproof-storage/fireproof-go/subscribe"
)

// ErrNotFound is returned by Get when the requested key is absent from the
// materialised tree.
var ErrNotFound = blockstore.ErrNotFound

// DecodeError reports a block that failed to decode under its declared
// codec.
type DecodeError = blockstore.DecodeError

// StoreIOError reports a failure from the underlying Blockstore medium.
type StoreIOError = blockstore.StoreIOError

// MissingEventError reports that a clock operation needed an event block
// that is not present in the Blockstore.
type MissingEventError = clock.MissingEventError

// Database is the causal-log-plus-indexed-key-value engine: an event DAG
// (the clock) alongside the prolly tree that materialises its current
// key/value state.
type Database struct {
	mu sync.Mutex

	blocks       blockstore.Blockstore
	cache        prollytree.NodeCache
	branchFactor uint

	head clock.Head
	tree *prollytree.Tree

	log  *logrus.Logger
	subs *subscribe.Registry
}

// KV is one entry returned by GetAll.
type KV struct {
	Key   string
	Value []byte
}

// Change is one row of a ChangesSince result: the latest known state of a
// key, with Del true if that state is a deletion.
type Change struct {
	Key   string
	Value []byte
	Del   bool
}

// ChangesResult is the return value of ChangesSince.
type ChangesResult struct {
	Rows []Change
	Head clock.Head
}

// PutResult is returned by Put and Del, and is the payload delivered to
// subscribers after Put, Del, and Advance: the event that was applied (nil
// after Advance, which applies an event created elsewhere), the resulting
// head, the resulting tree root, and any new tree blocks the
// caller is responsible for making durable if blocks is not the system of
// record (e.g. when replicating to another store).
type PutResult struct {
	Event     *clock.Event
	Head      clock.Head
	Root      cid.CID
	Additions []blockstore.Block
}

// Open constructs a Database backed by blocks, starting from an empty
// clock and tree. Use SetClock to resume from a previously persisted head.
func Open(ctx context.Context, blocks blockstore.Blockstore, opts ...Option) (*Database, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(cfg)
	}
	db := &Database{
		blocks:       blocks,
		cache:        cfg.cache,
		branchFactor: cfg.branchFactor,
		log:          cfg.logger,
		subs:         subscribe.New(cfg.debounceInterval),
	}
	db.tree = prollytree.Create(blocks, db.cache, db.branchFactor)
	return db, nil
}

// Close stops the debounce timers behind any active subscriptions. It does
// not close the underlying Blockstore.
func (db *Database) Close() {
	db.subs.Close()
}

// Put writes key/value, making it immediately visible to Get, and returns
// the event and tree blocks the write produced.
func (db *Database) Put(ctx context.Context, key string, value []byte) (PutResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.apply(ctx, clock.EventData{Op: clock.OpPut, Key: key, Value: value})
}

// Del deletes key, making it absent from subsequent Get calls, and returns
// the event and tree blocks the write produced.
func (db *Database) Del(ctx context.Context, key string) (PutResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.apply(ctx, clock.EventData{Op: clock.OpDel, Key: key})
}

func (db *Database) apply(ctx context.Context, data clock.EventData) (PutResult, error) {
	ev, err := clock.CreateEvent(ctx, db.blocks, db.head, data)
	if err != nil {
		return PutResult{}, fmt.Errorf("fireproof: create event: %w", err)
	}

	var muts []prollytree.Mutation
	if data.Op == clock.OpDel {
		if _, found, err := db.tree.Get(ctx, []byte(data.Key)); err != nil {
			return PutResult{}, err
		} else if found {
			muts = []prollytree.Mutation{{Key: []byte(data.Key), Delete: true}}
		}
		// Deleting a key the materialised tree never had (e.g. this replica
		// never saw the matching put) is a no-op on the tree: the event
		// itself, already persisted above, is the record of the tombstone.
	} else {
		muts = []prollytree.Mutation{{Key: []byte(data.Key), Value: data.Value}}
	}
	newTree, additions, err := db.tree.Bulk(ctx, muts)
	if err != nil {
		return PutResult{}, fmt.Errorf("fireproof: apply %q: %w", data.Key, err)
	}
	if err := db.persistAdditions(ctx, additions); err != nil {
		return PutResult{}, err
	}

	db.head = clock.Head{ev.CID}
	db.tree = newTree
	rootCID, _ := db.tree.RootCID()

	result := PutResult{
		Event:     &ev,
		Head:      db.head.Clone(),
		Root:      rootCID,
		Additions: additions,
	}
	db.log.WithFields(logrus.Fields{"key": data.Key, "event_cid": ev.CID.String()}).Debug("fireproof: applied event")
	db.subs.Notify(result)
	return result, nil
}

func (db *Database) persistAdditions(ctx context.Context, additions []blockstore.Block) error {
	for _, b := range additions {
		if err := db.blocks.Put(ctx, b); err != nil {
			return fmt.Errorf("fireproof: persist node %s: %w", b.CID, err)
		}
	}
	return nil
}

// Get returns the value stored for key, or ErrNotFound if it is absent.
func (db *Database) Get(ctx context.Context, key string) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, found, err := db.tree.Get(ctx, []byte(key))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return v, nil
}

// GetAll returns every entry currently in the database, ordered by key.
func (db *Database) GetAll(ctx context.Context) ([]KV, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	entries, err := db.tree.Range(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	out := make([]KV, len(entries))
	for i, e := range entries {
		out[i] = KV{Key: string(e.Key), Value: e.Value}
	}
	return out, nil
}

// Head returns the database's current frontier.
func (db *Database) Head() clock.Head {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.head.Clone()
}

// ChangesSince returns the current state of every key touched since
// sinceHead, together with the head the result was computed at. A nil or
// empty sinceHead returns the full current state via GetAll.
func (db *Database) ChangesSince(ctx context.Context, sinceHead clock.Head) (ChangesResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	head := db.head.Clone()
	if len(sinceHead) == 0 {
		entries, err := db.tree.Range(ctx, nil, nil)
		if err != nil {
			return ChangesResult{}, err
		}
		rows := make([]Change, len(entries))
		for i, e := range entries {
			rows[i] = Change{Key: string(e.Key), Value: e.Value}
		}
		return ChangesResult{Rows: rows, Head: head}, nil
	}

	delta, err := clock.Since(ctx, db.blocks, head, sinceHead)
	if err != nil {
		return ChangesResult{}, err
	}
	resolved, err := resolveDelta(ctx, db.blocks, delta)
	if err != nil {
		return ChangesResult{}, err
	}
	rows := make([]Change, 0, len(resolved))
	for key, data := range resolved {
		rows = append(rows, Change{Key: key, Value: data.Value, Del: data.Op == clock.OpDel})
	}
	return ChangesResult{Rows: rows, Head: head}, nil
}

// SetClock replaces the database's head and rebuilds the materialised tree
// by replaying every event reachable from head. It is how a binding layer
// resumes a database from a previously persisted clock handle.
func (db *Database) SetClock(ctx context.Context, head clock.Head) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delta, err := clock.Since(ctx, db.blocks, head, nil)
	if err != nil {
		return fmt.Errorf("fireproof: setClock: %w", err)
	}
	resolved, err := resolveDelta(ctx, db.blocks, delta)
	if err != nil {
		return fmt.Errorf("fireproof: setClock: %w", err)
	}
	muts := make([]prollytree.Mutation, 0, len(resolved))
	for key, data := range resolved {
		if data.Op == clock.OpDel {
			continue
		}
		muts = append(muts, prollytree.Mutation{Key: []byte(key), Value: data.Value})
	}
	fresh := prollytree.Create(db.blocks, db.cache, db.branchFactor)
	newTree, additions, err := fresh.Bulk(ctx, muts)
	if err != nil {
		return fmt.Errorf("fireproof: setClock: rebuild: %w", err)
	}
	if err := db.persistAdditions(ctx, additions); err != nil {
		return err
	}
	db.head = head.Clone()
	db.tree = newTree
	return nil
}

// Advance merges a remote event (and everything reachable from it) into
// this database's head, rebuilding the materialised tree from the full
// resolved history so concurrent writes to the same key converge on the
// same deterministic last-writer-wins choice regardless of which replica
// computes it.
func (db *Database) Advance(ctx context.Context, eventCID cid.CID) (clock.Head, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	newHead, err := clock.Advance(ctx, db.blocks, db.head, eventCID)
	if err != nil {
		return nil, fmt.Errorf("fireproof: advance: %w", err)
	}
	if headsEqual(newHead, db.head) {
		return db.head.Clone(), nil
	}

	// A key this replica already wrote is an ancestor of its own old head,
	// so it never shows up in Since(newHead, db.head): the incremental delta
	// only contains events new to this replica, not every event competing
	// for a key. Two replicas concurrently overwriting the same key would
	// then each see only the other's event and blindly adopt it, instead of
	// applying the same deterministic CID tiebreak both sides can compute.
	// Resolving over every event reachable from newHead (and rebuilding the
	// tree from that resolution, the same way SetClock does) is what makes
	// the comparison complete and the result convergent.
	all, err := clock.Since(ctx, db.blocks, newHead, nil)
	if err != nil {
		return nil, fmt.Errorf("fireproof: advance: %w", err)
	}
	resolved, err := resolveDelta(ctx, db.blocks, all)
	if err != nil {
		return nil, fmt.Errorf("fireproof: advance: %w", err)
	}
	muts := make([]prollytree.Mutation, 0, len(resolved))
	for key, data := range resolved {
		if data.Op == clock.OpDel {
			continue
		}
		muts = append(muts, prollytree.Mutation{Key: []byte(key), Value: data.Value})
	}
	fresh := prollytree.Create(db.blocks, db.cache, db.branchFactor)
	newTree, additions, err := fresh.Bulk(ctx, muts)
	if err != nil {
		return nil, fmt.Errorf("fireproof: advance: rebuild: %w", err)
	}
	if err := db.persistAdditions(ctx, additions); err != nil {
		return nil, err
	}

	db.head = newHead
	db.tree = newTree
	rootCID, _ := db.tree.RootCID()
	db.subs.Notify(PutResult{Head: db.head.Clone(), Root: rootCID, Additions: additions})
	return db.head.Clone(), nil
}

// Subscribe registers fn to run (after the configured debounce interval)
// whenever a mutation completes, replacing any previous subscription under
// the same label. It returns a function that cancels the subscription.
func (db *Database) Subscribe(label string, fn func(PutResult)) func() {
	return db.subs.Subscribe(label, func(payload interface{}) {
		fn(payload.(PutResult))
	})
}

// Blocks returns the Blockstore this database was opened with, for
// components (like the index engine) that need to share it.
func (db *Database) Blocks() blockstore.Blockstore { return db.blocks }

// Tree exposes the current materialised tree for read-only inspection by
// components that query it directly.
func (db *Database) Tree() *prollytree.Tree { return db.tree }

func headsEqual(a, b clock.Head) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := a.Sorted(), b.Sorted()
	for i := range as {
		if !as[i].Equals(bs[i]) {
			return false
		}
	}
	return true
}

// resolveDelta picks, for each key touched by delta, the single entry that
// should win: among the events for that key that are not an ancestor of
// another event for that same key (i.e. not yet superseded within the
// delta), the one with the greatest CID in byte order.
func resolveDelta(ctx context.Context, bs blockstore.Blockstore, delta []clock.Event) (map[string]clock.EventData, error) {
	byKey := map[string][]clock.Event{}
	for _, ev := range delta {
		byKey[ev.Data.Key] = append(byKey[ev.Data.Key], ev)
	}
	result := make(map[string]clock.EventData, len(byKey))
	for key, evs := range byKey {
		candidates := evs
		if len(evs) > 1 {
			candidates = make([]clock.Event, 0, len(evs))
			for _, e := range evs {
				superseded := false
				for _, other := range evs {
					if other.CID.Equals(e.CID) {
						continue
					}
					isAncestor, err := clock.IsReachable(ctx, bs, other.CID, e.CID)
					if err != nil {
						return nil, err
					}
					if isAncestor {
						superseded = true
						break
					}
				}
				if !superseded {
					candidates = append(candidates, e)
				}
			}
		}
		best := candidates[0]
		for _, c := range candidates[1:] {
			if cid.Less(best.CID, c.CID) {
				best = c
			}
		}
		result[key] = best.Data
	}
	return result, nil
}
